package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend randomly kills a database connection belonging to the
// test run. Mutations must stay atomic across dropped connections.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// HoldFicheLocks periodically grabs the row lock on a random live fiche and
// sits on it before rolling back. Actors applying mutations to that fiche
// queue up behind the FOR UPDATE and must come out with a consistent row, not
// a partial write.
func HoldFicheLocks(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			holdOne(ctx, pool)
		}
	}
}

func holdOne(ctx context.Context, pool *pgxpool.Pool) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback(ctx)

	var numero string
	err = tx.QueryRow(ctx, `
SELECT numero FROM fiches
WHERE deleted_at IS NULL
ORDER BY random() LIMIT 1
FOR UPDATE SKIP LOCKED`).Scan(&numero)
	if err != nil {
		return
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(50+rand.Intn(200)) * time.Millisecond):
	}
}
