package intermediaire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("intermediaire: not found")
)

const columns = `
id, fei_numero, entity_id, user_id, received_at, check_finished_at, handover_at,
commentaire, deleted_at, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create opens a handling event when a collecteur or ETG takes custody.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.FeiNumero == "" || params.EntityID == "" || params.UserID == "" {
		return Record{}, fmt.Errorf("intermediaire: fiche, entity and user required")
	}

	const insertSQL = `
INSERT INTO fei_intermediaires (fei_numero, entity_id, user_id, received_at)
VALUES ($1, $2, $3, now())
RETURNING ` + columns

	rec, err := scanRecord(r.pool.QueryRow(ctx, insertSQL, params.FeiNumero, params.EntityID, params.UserID))
	if err != nil {
		return Record{}, fmt.Errorf("intermediaire: insert: %w", err)
	}
	return rec, nil
}

// ListForFei returns the handling events of a fiche, most recent first. The
// head of the list is the active handler.
func (r *Repository) ListForFei(ctx context.Context, feiNumero string) ([]Record, error) {
	query := `
SELECT ` + columns + `
FROM fei_intermediaires
WHERE fei_numero = $1 AND deleted_at IS NULL
ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, feiNumero)
	if err != nil {
		return nil, fmt.Errorf("intermediaire: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("intermediaire: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intermediaire: iterate: %w", err)
	}
	return out, nil
}

// Active returns the most recent live handling event for a fiche.
func (r *Repository) Active(ctx context.Context, feiNumero string) (Record, error) {
	query := `
SELECT ` + columns + `
FROM fei_intermediaires
WHERE fei_numero = $1 AND deleted_at IS NULL
ORDER BY created_at DESC
LIMIT 1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, feiNumero))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("intermediaire: active: %w", err)
	}
	return rec, nil
}

// FinishCheck stamps the completion of the handler's carcass review.
func (r *Repository) FinishCheck(ctx context.Context, id string, at time.Time) (Record, error) {
	return r.stamp(ctx, id, "check_finished_at", at)
}

// Handover stamps the moment custody left the handler.
func (r *Repository) Handover(ctx context.Context, id string, at time.Time) (Record, error) {
	return r.stamp(ctx, id, "handover_at", at)
}

func (r *Repository) stamp(ctx context.Context, id, column string, at time.Time) (Record, error) {
	query := `
UPDATE fei_intermediaires
SET ` + column + ` = $2, updated_at = now()
WHERE id = $1 AND deleted_at IS NULL
RETURNING ` + columns

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id, at.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("intermediaire: stamp %s: %w", column, err)
	}
	return rec, nil
}

// SoftDelete hides a handling event while preserving the audit trail.
func (r *Repository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE fei_intermediaires
SET deleted_at = now(), updated_at = now()
WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("intermediaire: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.FeiNumero,
		&rec.EntityID,
		&rec.UserID,
		&rec.ReceivedAt,
		&rec.CheckFinishedAt,
		&rec.HandoverAt,
		&rec.Commentaire,
		&rec.DeletedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
