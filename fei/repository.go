package fei

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateNumero signals a creation raced another device for the same
// client-generated numero.
var ErrDuplicateNumero = errors.New("fei: numero already exists")

const feiColumns = `
numero, date_mise_a_mort, heure_mise_a_mort_premiere_carcasse, commune_mise_a_mort,
current_owner_user_id, current_owner_entity_id, current_owner_role,
next_owner_user_id, next_owner_entity_id, next_owner_role,
prev_owner_user_id, prev_owner_entity_id, prev_owner_role,
examinateur_initial_user_id, examinateur_initial_approbation_mise_sur_le_marche,
examinateur_initial_date_approbation_mise_sur_le_marche,
premier_detenteur_user_id, premier_detenteur_entity_id, premier_detenteur_date_depot_quelque_part,
svi_entity_id, svi_assigned_at, svi_signed_at, intermediaire_closed_at,
resume_nombre_de_carcasses, created_by_user_id, deleted_at, created_at, updated_at`

// Repository is the pgx-backed persistence layer for fiches. Mutations go
// through transactions opened by the service so the read-modify-write stays
// atomic.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByNumero fetches a fiche without locking it.
func (r *Repository) GetByNumero(ctx context.Context, numero string) (Fei, error) {
	query := `SELECT ` + feiColumns + ` FROM fiches WHERE numero = $1`
	f, err := scanFei(r.pool.QueryRow(ctx, query, numero))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Fei{}, ErrNotFound
		}
		return Fei{}, fmt.Errorf("fei: get by numero: %w", err)
	}
	return f, nil
}

// GetForUpdate fetches and row-locks a fiche inside the caller's transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, numero string) (Fei, error) {
	query := `SELECT ` + feiColumns + ` FROM fiches WHERE numero = $1 FOR UPDATE`
	f, err := scanFei(tx.QueryRow(ctx, query, numero))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Fei{}, ErrNotFound
		}
		return Fei{}, fmt.Errorf("fei: lock for update: %w", err)
	}
	return f, nil
}

// CreateTx inserts a fresh fiche owned by the creating examiner. The numero
// arrives from the client; a conflict means another device already replayed
// the same creation and the caller should fall back to the update path.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, numero string, actor Actor) (Fei, error) {
	const insertSQL = `
INSERT INTO fiches (numero, current_owner_user_id, current_owner_entity_id, current_owner_role,
                    examinateur_initial_user_id, created_by_user_id)
VALUES ($1, $2, $3, $4, $2, $2)
RETURNING ` + feiColumns

	f, err := scanFei(tx.QueryRow(ctx, insertSQL, numero, actor.UserID, actor.EntityID, RoleExaminateurInitial))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Fei{}, ErrDuplicateNumero
		}
		return Fei{}, fmt.Errorf("fei: insert: %w", err)
	}
	return f, nil
}

// UpdateTx persists the mutated fiche inside the caller's transaction.
func (r *Repository) UpdateTx(ctx context.Context, tx pgx.Tx, f Fei) (Fei, error) {
	const updateSQL = `
UPDATE fiches SET
    date_mise_a_mort = $2,
    heure_mise_a_mort_premiere_carcasse = $3,
    commune_mise_a_mort = $4,
    current_owner_user_id = $5,
    current_owner_entity_id = $6,
    current_owner_role = $7,
    next_owner_user_id = $8,
    next_owner_entity_id = $9,
    next_owner_role = $10,
    prev_owner_user_id = $11,
    prev_owner_entity_id = $12,
    prev_owner_role = $13,
    examinateur_initial_user_id = $14,
    examinateur_initial_approbation_mise_sur_le_marche = $15,
    examinateur_initial_date_approbation_mise_sur_le_marche = $16,
    premier_detenteur_user_id = $17,
    premier_detenteur_entity_id = $18,
    premier_detenteur_date_depot_quelque_part = $19,
    svi_entity_id = $20,
    svi_assigned_at = $21,
    svi_signed_at = $22,
    intermediaire_closed_at = $23,
    resume_nombre_de_carcasses = $24,
    deleted_at = $25,
    updated_at = now()
WHERE numero = $1
RETURNING ` + feiColumns

	updated, err := scanFei(tx.QueryRow(ctx, updateSQL,
		f.Numero,
		f.DateMiseAMort,
		f.HeureMiseAMortPremiereCarcasse,
		f.CommuneMiseAMort,
		f.CurrentOwnerUserID,
		f.CurrentOwnerEntityID,
		f.CurrentOwnerRole,
		f.NextOwnerUserID,
		f.NextOwnerEntityID,
		f.NextOwnerRole,
		f.PrevOwnerUserID,
		f.PrevOwnerEntityID,
		f.PrevOwnerRole,
		f.ExaminateurInitialUserID,
		f.ExaminateurInitialApprobationMiseSurLeMarche,
		f.ExaminateurInitialDateApprobationMiseSurLeMarche,
		f.PremierDetenteurUserID,
		f.PremierDetenteurEntityID,
		f.PremierDetenteurDateDepotQuelquePart,
		f.SviEntityID,
		f.SviAssignedAt,
		f.SviSignedAt,
		f.IntermediaireClosedAt,
		f.ResumeNombreDeCarcasses,
		f.DeletedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Fei{}, ErrNotFound
		}
		return Fei{}, fmt.Errorf("fei: update: %w", err)
	}
	return updated, nil
}

// ListForUser returns the fiches the user currently touches: created by them,
// currently or next owned by them, or owned by one of their entities. This is
// the authoritative list the sync engine re-fetches after a replay.
func (r *Repository) ListForUser(ctx context.Context, userID string, entityIDs []string) ([]Fei, error) {
	query := `
SELECT ` + feiColumns + `
FROM fiches
WHERE deleted_at IS NULL
  AND (created_by_user_id = $1
       OR current_owner_user_id = $1
       OR next_owner_user_id = $1
       OR current_owner_entity_id = ANY($2)
       OR next_owner_entity_id = ANY($2))
ORDER BY updated_at DESC`

	rows, err := r.pool.Query(ctx, query, userID, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("fei: list for user: %w", err)
	}
	defer rows.Close()

	out := make([]Fei, 0, 16)
	for rows.Next() {
		f, err := scanFei(rows)
		if err != nil {
			return nil, fmt.Errorf("fei: scan fiche: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fei: iterate fiches: %w", err)
	}
	return out, nil
}

// AppendTimelineTx records the field-level diff of an update as an immutable
// timeline event in the same transaction as the mutation itself.
func (r *Repository) AppendTimelineTx(ctx context.Context, tx pgx.Tx, numero, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fei: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
INSERT INTO timeline_events (fei_numero, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, numero, eventType, body, actor); err != nil {
		return fmt.Errorf("fei: insert timeline event: %w", err)
	}
	return nil
}

func scanFei(row pgx.Row) (Fei, error) {
	var f Fei
	err := row.Scan(
		&f.Numero,
		&f.DateMiseAMort,
		&f.HeureMiseAMortPremiereCarcasse,
		&f.CommuneMiseAMort,
		&f.CurrentOwnerUserID,
		&f.CurrentOwnerEntityID,
		&f.CurrentOwnerRole,
		&f.NextOwnerUserID,
		&f.NextOwnerEntityID,
		&f.NextOwnerRole,
		&f.PrevOwnerUserID,
		&f.PrevOwnerEntityID,
		&f.PrevOwnerRole,
		&f.ExaminateurInitialUserID,
		&f.ExaminateurInitialApprobationMiseSurLeMarche,
		&f.ExaminateurInitialDateApprobationMiseSurLeMarche,
		&f.PremierDetenteurUserID,
		&f.PremierDetenteurEntityID,
		&f.PremierDetenteurDateDepotQuelquePart,
		&f.SviEntityID,
		&f.SviAssignedAt,
		&f.SviSignedAt,
		&f.IntermediaireClosedAt,
		&f.ResumeNombreDeCarcasses,
		&f.CreatedByUserID,
		&f.DeletedAt,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return Fei{}, err
	}
	return f, nil
}

// Diff flattens the before/after pair into changed wire keys. Creation diffs
// carry a nil before-state.
func Diff(before, after *Fei) map[string]any {
	changes := make(map[string]any)
	record := func(key string, b, a any) {
		if fmt.Sprint(b) == fmt.Sprint(a) {
			return
		}
		changes[key] = map[string]any{"before": b, "after": a}
	}

	var b Fei
	if before != nil {
		b = *before
	}
	record(KeyDateMiseAMort, tstr(b.DateMiseAMort), tstr(after.DateMiseAMort))
	record(KeyHeureMiseAMortPremiereCarcasse, sstr(b.HeureMiseAMortPremiereCarcasse), sstr(after.HeureMiseAMortPremiereCarcasse))
	record(KeyCommuneMiseAMort, sstr(b.CommuneMiseAMort), sstr(after.CommuneMiseAMort))
	record(KeyCurrentOwnerUserID, sstr(b.CurrentOwnerUserID), sstr(after.CurrentOwnerUserID))
	record(KeyCurrentOwnerEntityID, sstr(b.CurrentOwnerEntityID), sstr(after.CurrentOwnerEntityID))
	record(KeyCurrentOwnerRole, string(b.CurrentOwnerRole), string(after.CurrentOwnerRole))
	record(KeyNextOwnerUserID, sstr(b.NextOwnerUserID), sstr(after.NextOwnerUserID))
	record(KeyNextOwnerEntityID, sstr(b.NextOwnerEntityID), sstr(after.NextOwnerEntityID))
	record(KeyNextOwnerRole, rstr(b.NextOwnerRole), rstr(after.NextOwnerRole))
	record(KeyExaminateurApprobation, bstr(b.ExaminateurInitialApprobationMiseSurLeMarche), bstr(after.ExaminateurInitialApprobationMiseSurLeMarche))
	record(KeyPremierDetenteurUserID, sstr(b.PremierDetenteurUserID), sstr(after.PremierDetenteurUserID))
	record(KeyPremierDetenteurEntityID, sstr(b.PremierDetenteurEntityID), sstr(after.PremierDetenteurEntityID))
	record(KeyPremierDetenteurDateDepot, tstr(b.PremierDetenteurDateDepotQuelquePart), tstr(after.PremierDetenteurDateDepotQuelquePart))
	record(KeySviSignedAt, tstr(b.SviSignedAt), tstr(after.SviSignedAt))
	record(KeyIntermediaireClosedAt, tstr(b.IntermediaireClosedAt), tstr(after.IntermediaireClosedAt))
	record(KeyResumeNombreDeCarcasses, sstr(b.ResumeNombreDeCarcasses), sstr(after.ResumeNombreDeCarcasses))
	record(KeyDeletedAt, tstr(b.DeletedAt), tstr(after.DeletedAt))
	return changes
}

func sstr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func rstr(v *Role) string {
	if v == nil {
		return ""
	}
	return string(*v)
}

func bstr(v *bool) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%t", *v)
}

func tstr(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}
