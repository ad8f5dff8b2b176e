package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/betagouv/zacharie-sub005/carcasse"
	"github.com/betagouv/zacharie-sub005/dispatch"
	"github.com/betagouv/zacharie-sub005/entity"
	"github.com/betagouv/zacharie-sub005/fei"
	"github.com/betagouv/zacharie-sub005/test/actors"
	"github.com/betagouv/zacharie-sub005/test/chaos"
	"github.com/betagouv/zacharie-sub005/test/infra"
	"github.com/betagouv/zacharie-sub005/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestCustodyConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("ZACHARIE_TEST_PG_DSN") != "":
		dsn = os.Getenv("ZACHARIE_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	logger := log.New(io.Discard, "", 0)
	entityRepo := entity.NewRepository(pool)
	carcasseRepo := carcasse.NewRepository(pool)
	dispatcher := dispatch.NewDispatcher(
		&dispatch.LogNotifier{Logger: logger},
		dispatch.NewPGWebhookSender(pool),
		entityRepo,
		entityRepo,
		carcasseRepo,
		logger,
	)
	feiSvc := fei.NewService(pool, fei.NewRepository(pool), dispatcher)
	carcasseSvc := carcasse.NewService(pool, carcasseRepo)

	examinateur := fei.Actor{UserID: seedData.examinateurID, Roles: []fei.Role{fei.RoleExaminateurInitial, fei.RolePremierDetenteur}}
	detenteur := fei.Actor{UserID: seedData.detenteurID, Roles: []fei.Role{fei.RolePremierDetenteur, fei.RoleEtg}}
	svi := fei.Actor{UserID: seedData.sviUserID, EntityID: &seedData.sviEntityID, Roles: []fei.Role{fei.RoleSvi}}

	reg := &actors.Registry{}
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Examinateur(ctx2, feiSvc, examinateur, reg, stop) })
		g.Go(func() error {
			return actors.Transferrer(ctx2, feiSvc, detenteur, reg, seedData.etgEntityID, seedData.sviEntityID, stop)
		})
	}
	g.Go(func() error { return actors.CarcasseEditor(ctx2, carcasseSvc, examinateur, reg, stop) })
	g.Go(func() error { return actors.SviCloser(ctx2, feiSvc, svi, reg, stop) })
	g.Go(func() error { return actors.WebhookRelay(ctx2, pool, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)
	go chaos.HoldFicheLocks(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	examinateurID string
	detenteurID   string
	sviUserID     string
	etgEntityID   string
	sviEntityID   string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	insertUser := func(name string, roles string) string {
		var id string
		if err := pool.QueryRow(ctx, `
INSERT INTO users (email, full_name, password_hash, roles)
VALUES ($1, $2, 'x', $3::text[]) RETURNING id`,
			fmt.Sprintf("u%d@example.com", rand.Int63()), name, roles).Scan(&id); err != nil {
			t.Fatalf("seed user %s: %v", name, err)
		}
		return id
	}
	s.examinateurID = insertUser("Stress Examinateur", `{EXAMINATEUR_INITIAL,PREMIER_DETENTEUR}`)
	s.detenteurID = insertUser("Stress Detenteur", `{PREMIER_DETENTEUR,ETG}`)
	s.sviUserID = insertUser("Stress Inspecteur", `{SVI}`)

	insertEntity := func(name, typ string) string {
		var id string
		if err := pool.QueryRow(ctx, `
INSERT INTO entities (nom, type) VALUES ($1, $2) RETURNING id`, name, typ).Scan(&id); err != nil {
			t.Fatalf("seed entity %s: %v", name, err)
		}
		return id
	}
	s.etgEntityID = insertEntity(fmt.Sprintf("ETG %d", rand.Int63()), "ETG")
	s.sviEntityID = insertEntity(fmt.Sprintf("SVI %d", rand.Int63()), "SVI")

	for _, rel := range [][2]string{
		{s.etgEntityID, s.detenteurID},
		{s.sviEntityID, s.sviUserID},
	} {
		if _, err := pool.Exec(ctx, `
INSERT INTO entity_relations (entity_id, user_id) VALUES ($1, $2)`, rel[0], rel[1]); err != nil {
			t.Fatalf("seed relation: %v", err)
		}
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"fiches", `SELECT numero, current_owner_role, next_owner_role, svi_assigned_at, svi_signed_at FROM fiches ORDER BY updated_at DESC LIMIT 50`},
		{"timeline_events", `SELECT id, fei_numero, type, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"webhook_outbox", `SELECT id, event, delivered_at, created_at FROM webhook_outbox ORDER BY created_at DESC LIMIT 50`},
		{"carcasses", `SELECT numero_bracelet, fei_numero, espece, deleted_at FROM carcasses ORDER BY updated_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
