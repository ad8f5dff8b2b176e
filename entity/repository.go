package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/betagouv/zacharie-sub005/fei"
)

// ErrNotFound signals the requested entity does not exist.
var ErrNotFound = errors.New("entity: not found")

const entityColumns = `
id, nom, type, siret, adresse, code_postal, ville,
first_fei_treated_at, first_svi_assignment_at, created_at, updated_at`

// Repository provides access to entities and their user relations.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches an entity by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = $1`
	e, err := scanEntity(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entity{}, ErrNotFound
		}
		return Entity{}, fmt.Errorf("entity: query by id: %w", err)
	}
	return e, nil
}

// ListByType fetches entities of one custody role ordered by name.
func (r *Repository) ListByType(ctx context.Context, role fei.Role, limit int) ([]Entity, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT ` + entityColumns + ` FROM entities WHERE type = $1 ORDER BY nom ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, role, limit)
	if err != nil {
		return nil, fmt.Errorf("entity: list by type: %w", err)
	}
	defer rows.Close()

	out := make([]Entity, 0, limit)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("entity: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity: iterate: %w", err)
	}
	return out, nil
}

// UserIDsForEntity returns the users associated with an entity. The
// dispatcher fans notifications out to this list.
func (r *Repository) UserIDsForEntity(ctx context.Context, entityID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT user_id FROM entity_relations WHERE entity_id = $1 ORDER BY created_at ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("entity: users for entity: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("entity: scan user id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity: iterate user ids: %w", err)
	}
	return out, nil
}

// EntityIDsForUser returns the entities a user works with, for the client's
// cached-relations store.
func (r *Repository) EntityIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT entity_id FROM entity_relations WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("entity: entities for user: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 4)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("entity: scan entity id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity: iterate entity ids: %w", err)
	}
	return out, nil
}

// MarkEntityTreated stamps the first time an entity handled a fiche.
// Subsequent calls are no-ops.
func (r *Repository) MarkEntityTreated(ctx context.Context, entityID string) error {
	if _, err := r.pool.Exec(ctx, `
UPDATE entities SET first_fei_treated_at = COALESCE(first_fei_treated_at, now()), updated_at = now()
WHERE id = $1`, entityID); err != nil {
		return fmt.Errorf("entity: mark treated: %w", err)
	}
	return nil
}

// MarkEntityFirstSviAssignment stamps the first time an SVI entity received a
// fiche assignment.
func (r *Repository) MarkEntityFirstSviAssignment(ctx context.Context, entityID string) error {
	if _, err := r.pool.Exec(ctx, `
UPDATE entities SET first_svi_assignment_at = COALESCE(first_svi_assignment_at, now()), updated_at = now()
WHERE id = $1`, entityID); err != nil {
		return fmt.Errorf("entity: mark first svi assignment: %w", err)
	}
	return nil
}

// MarkUserTreated stamps the first time a hunter had a fiche treated.
func (r *Repository) MarkUserTreated(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, `
UPDATE users SET first_fei_treated_at = COALESCE(first_fei_treated_at, now()), updated_at = now()
WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("entity: mark user treated: %w", err)
	}
	return nil
}

func scanEntity(row pgx.Row) (Entity, error) {
	var e Entity
	err := row.Scan(
		&e.ID,
		&e.Nom,
		&e.Type,
		&e.Siret,
		&e.Adresse,
		&e.CodePostal,
		&e.Ville,
		&e.FirstFeiTreatedAt,
		&e.FirstSviAssignmentAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return Entity{}, err
	}
	return e, nil
}
