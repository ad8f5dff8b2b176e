package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer wraps the disposable Postgres the custody stress run writes to.
// When an external DSN is supplied the wrapper stays empty and Terminate is a
// no-op, so a shared database survives the run.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 resolves the database for a stress run: an explicit
// overrideDSN wins, then ZACHARIE_TEST_PG_DSN, and only then a fresh
// Postgres 16 container.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if dsn := externalDSN(overrideDSN); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("zacharie_stress"),
		postgres.WithUsername("zacharie"),
		postgres.WithPassword("zacharie"),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func externalDSN(override string) string {
	if override != "" {
		return override
	}
	return os.Getenv("ZACHARIE_TEST_PG_DSN")
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
