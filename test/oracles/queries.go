package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the custody invariants checked against a live database while
// the actors hammer it. A row returned by any query is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_svi_assignment_sticky",
			SQL: `SELECT numero FROM fiches
                  WHERE svi_assigned_at IS NOT NULL AND svi_entity_id IS NULL`,
		},
		{
			Name: "O2_approval_stamped",
			SQL: `SELECT numero FROM fiches
                  WHERE examinateur_initial_approbation_mise_sur_le_marche = true
                    AND examinateur_initial_date_approbation_mise_sur_le_marche IS NULL`,
		},
		{
			Name: "O3_timeline_exists",
			SQL: `SELECT f.numero FROM fiches f
                  WHERE NOT EXISTS (
                      SELECT 1 FROM timeline_events e WHERE e.fei_numero = f.numero)`,
		},
		{
			Name: "O4_role_graph",
			SQL: `SELECT numero, current_owner_role, next_owner_role FROM fiches
                  WHERE next_owner_role IS NOT NULL
                    AND (current_owner_role, next_owner_role) NOT IN (
                        ('EXAMINATEUR_INITIAL','PREMIER_DETENTEUR'),
                        ('PREMIER_DETENTEUR','COLLECTEUR_PRO'),
                        ('PREMIER_DETENTEUR','ETG'),
                        ('PREMIER_DETENTEUR','SVI'),
                        ('PREMIER_DETENTEUR','COMMERCE_DE_DETAIL'),
                        ('PREMIER_DETENTEUR','REPAS_DE_CHASSE_OU_ASSOCIATIF'),
                        ('PREMIER_DETENTEUR','ASSOCIATION_DE_CHASSE'),
                        ('PREMIER_DETENTEUR','CONSOMMATEUR_FINAL'),
                        ('COLLECTEUR_PRO','ETG'),
                        ('ETG','COLLECTEUR_PRO'),
                        ('ETG','SVI'))`,
		},
		{
			Name: "O5_resume_consistent",
			SQL: `SELECT f.numero, f.resume_nombre_de_carcasses FROM fiches f
                  WHERE COALESCE(f.resume_nombre_de_carcasses, '') <> COALESCE((
                      SELECT string_agg(s.ligne, ', ' ORDER BY s.ligne)
                      FROM (
                          SELECT count(*)::text || ' ' || espece AS ligne
                          FROM carcasses
                          WHERE fei_numero = f.numero AND deleted_at IS NULL AND espece IS NOT NULL
                          GROUP BY espece
                      ) s), '')`,
		},
		{
			Name: "O6_webhook_outbox_drains",
			SQL: `SELECT id, event FROM webhook_outbox
                  WHERE delivered_at IS NULL AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_carcasse_kill_date",
			SQL: `SELECT c.numero_bracelet FROM carcasses c
                  JOIN fiches f ON f.numero = c.fei_numero
                  WHERE c.date_mise_a_mort IS NOT NULL
                    AND f.date_mise_a_mort IS NULL
                    AND f.updated_at < now() - interval '30 seconds'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and a sample
// row) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
