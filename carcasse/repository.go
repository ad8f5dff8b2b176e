package carcasse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const carcasseColumns = `
numero_bracelet, fei_numero, date_mise_a_mort,
espece, categorie, nombre_d_animaux,
examinateur_anomalies_carcasse, examinateur_anomalies_abats, examinateur_commentaire, examinateur_signed_at,
intermediaire_prise_en_charge, intermediaire_carcasse_manquante, intermediaire_commentaire, intermediaire_signed_at,
svi_carcasse_saisie, svi_carcasse_saisie_motif, svi_carcasse_signed_at,
deleted_at, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetForUpdate fetches and row-locks a carcass inside the caller's
// transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, bracelet string) (Carcasse, error) {
	query := `SELECT ` + carcasseColumns + ` FROM carcasses WHERE numero_bracelet = $1 FOR UPDATE`
	c, err := scanCarcasse(tx.QueryRow(ctx, query, bracelet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Carcasse{}, ErrNotFound
		}
		return Carcasse{}, fmt.Errorf("carcasse: lock for update: %w", err)
	}
	return c, nil
}

// InsertTx creates a new carcass row bound to its fiche.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, bracelet, feiNumero string) (Carcasse, error) {
	const insertSQL = `
INSERT INTO carcasses (numero_bracelet, fei_numero)
VALUES ($1, $2)
RETURNING ` + carcasseColumns

	c, err := scanCarcasse(tx.QueryRow(ctx, insertSQL, bracelet, feiNumero))
	if err != nil {
		return Carcasse{}, fmt.Errorf("carcasse: insert: %w", err)
	}
	return c, nil
}

// UpdateTx persists the mutated carcass inside the caller's transaction.
func (r *Repository) UpdateTx(ctx context.Context, tx pgx.Tx, c Carcasse) (Carcasse, error) {
	const updateSQL = `
UPDATE carcasses SET
    espece = $2,
    categorie = $3,
    nombre_d_animaux = $4,
    examinateur_anomalies_carcasse = $5,
    examinateur_anomalies_abats = $6,
    examinateur_commentaire = $7,
    examinateur_signed_at = $8,
    intermediaire_prise_en_charge = $9,
    intermediaire_carcasse_manquante = $10,
    intermediaire_commentaire = $11,
    intermediaire_signed_at = $12,
    svi_carcasse_saisie = $13,
    svi_carcasse_saisie_motif = $14,
    svi_carcasse_signed_at = $15,
    deleted_at = $16,
    updated_at = now()
WHERE numero_bracelet = $1
RETURNING ` + carcasseColumns

	updated, err := scanCarcasse(tx.QueryRow(ctx, updateSQL,
		c.NumeroBracelet,
		c.Espece,
		c.Categorie,
		c.NombreDAnimaux,
		c.ExaminateurAnomaliesCarcasse,
		c.ExaminateurAnomaliesAbats,
		c.ExaminateurCommentaire,
		c.ExaminateurSignedAt,
		c.IntermediairePriseEnCharge,
		c.IntermediaireCarcasseManquante,
		c.IntermediaireCommentaire,
		c.IntermediaireSignedAt,
		c.SviCarcasseSaisie,
		c.SviCarcasseSaisieMotif,
		c.SviCarcasseSignedAt,
		c.DeletedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Carcasse{}, ErrNotFound
		}
		return Carcasse{}, fmt.Errorf("carcasse: update: %w", err)
	}
	return updated, nil
}

// ListForFei returns the live carcasses of a fiche, bracelet order.
func (r *Repository) ListForFei(ctx context.Context, feiNumero string) ([]Carcasse, error) {
	query := `
SELECT ` + carcasseColumns + `
FROM carcasses
WHERE fei_numero = $1 AND deleted_at IS NULL
ORDER BY numero_bracelet ASC`

	rows, err := r.pool.Query(ctx, query, feiNumero)
	if err != nil {
		return nil, fmt.Errorf("carcasse: list for fei: %w", err)
	}
	defer rows.Close()

	out := make([]Carcasse, 0, 8)
	for rows.Next() {
		c, err := scanCarcasse(rows)
		if err != nil {
			return nil, fmt.Errorf("carcasse: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("carcasse: iterate: %w", err)
	}
	return out, nil
}

// PropagateDateMiseAMort pushes a corrected kill date from the fiche down to
// all its carcasses, deleted ones included, so the audit trail stays
// consistent.
func (r *Repository) PropagateDateMiseAMort(ctx context.Context, feiNumero string, date *time.Time) error {
	const q = `
UPDATE carcasses
SET date_mise_a_mort = $2, updated_at = now()
WHERE fei_numero = $1`
	if _, err := r.pool.Exec(ctx, q, feiNumero, date); err != nil {
		return fmt.Errorf("carcasse: propagate date mise a mort: %w", err)
	}
	return nil
}

// RefreshResumeTx rewrites the denormalized line-item summary on the parent
// fiche. List views read this string instead of joining carcasses.
func (r *Repository) RefreshResumeTx(ctx context.Context, tx pgx.Tx, feiNumero string) error {
	const q = `
UPDATE fiches SET resume_nombre_de_carcasses = (
    SELECT COALESCE(string_agg(per_espece.ligne, ', ' ORDER BY per_espece.ligne), '')
    FROM (
        SELECT count(*)::text || ' ' || espece AS ligne
        FROM carcasses
        WHERE fei_numero = $1 AND deleted_at IS NULL AND espece IS NOT NULL
        GROUP BY espece
    ) per_espece
), updated_at = now()
WHERE numero = $1`
	if _, err := tx.Exec(ctx, q, feiNumero); err != nil {
		return fmt.Errorf("carcasse: refresh resume: %w", err)
	}
	return nil
}

func scanCarcasse(row pgx.Row) (Carcasse, error) {
	var c Carcasse
	err := row.Scan(
		&c.NumeroBracelet,
		&c.FeiNumero,
		&c.DateMiseAMort,
		&c.Espece,
		&c.Categorie,
		&c.NombreDAnimaux,
		&c.ExaminateurAnomaliesCarcasse,
		&c.ExaminateurAnomaliesAbats,
		&c.ExaminateurCommentaire,
		&c.ExaminateurSignedAt,
		&c.IntermediairePriseEnCharge,
		&c.IntermediaireCarcasseManquante,
		&c.IntermediaireCommentaire,
		&c.IntermediaireSignedAt,
		&c.SviCarcasseSaisie,
		&c.SviCarcasseSaisieMotif,
		&c.SviCarcasseSignedAt,
		&c.DeletedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Carcasse{}, err
	}
	return c, nil
}
