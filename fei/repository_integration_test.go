package fei

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestCustodyFlow_Integration connects to a real PostgreSQL via DATABASE_URL
// and runs a fiche through creation, approval and SVI handoff, verifying the
// timeline and the idempotent replay of the creation mutation.
func TestCustodyFlow_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "fiches") || !tableExists(ctx, t, pool, "timeline_events") || !tableExists(ctx, t, pool, "users") {
		t.Skip("database schema missing; run migrations: migrate -path migrations -database \"$DATABASE_URL\" up")
	}

	var userID, sviEntityID string
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, roles) VALUES ($1, $2, 'x', '{EXAMINATEUR_INITIAL,PREMIER_DETENTEUR}'::text[]) RETURNING id`,
		fmt.Sprintf("chasseur+%d@example.com", time.Now().UnixNano()), "Jean Chasseur").Scan(&userID); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO entities (nom, type) VALUES ($1, 'SVI') RETURNING id`,
		fmt.Sprintf("SVI Test %d", time.Now().UnixNano())).Scan(&sviEntityID); err != nil {
		t.Fatalf("seed entity: %v", err)
	}

	numero := fmt.Sprintf("ZACH-ITEST-%d", time.Now().UnixNano())

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE fei_numero = $1`, numero)
		pool.Exec(ctx2, `DELETE FROM fiches WHERE numero = $1`, numero)
		pool.Exec(ctx2, `DELETE FROM entities WHERE id = $1`, sviEntityID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id = $1`, userID)
	})

	svc := NewService(pool, NewRepository(pool), nil)
	actor := Actor{UserID: userID, Roles: []Role{RoleExaminateurInitial, RolePremierDetenteur}}

	create, err := ParsePatch(map[string]string{
		KeyDateMiseAMort:    time.Now().UTC().Format(time.RFC3339),
		KeyCommuneMiseAMort: "Banon",
	})
	if err != nil {
		t.Fatalf("parse create patch: %v", err)
	}
	if _, err := svc.Apply(ctx, actor, numero, create); err != nil {
		t.Fatalf("apply create: %v", err)
	}

	// Creation must be visible with the examiner as owner.
	var ownerRole string
	if err := pool.QueryRow(ctx, `SELECT current_owner_role FROM fiches WHERE numero = $1`, numero).Scan(&ownerRole); err != nil {
		t.Fatalf("verify fiche: %v", err)
	}
	if ownerRole != string(RoleExaminateurInitial) {
		t.Fatalf("expected owner role %s, got %s", RoleExaminateurInitial, ownerRole)
	}

	var evCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE fei_numero = $1 AND type = 'FEI_CREATED'`, numero).Scan(&evCount); err != nil {
		t.Fatalf("verify timeline: %v", err)
	}
	if evCount != 1 {
		t.Fatalf("expected 1 FEI_CREATED event, got %d", evCount)
	}

	// Replaying the same creation (same client-generated numero) must hit the
	// update path, never a duplicate row or a second creation event.
	if _, err := svc.Apply(ctx, actor, numero, create); err != nil {
		t.Fatalf("apply replay: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE fei_numero = $1 AND type = 'FEI_CREATED'`, numero).Scan(&evCount); err != nil {
		t.Fatalf("re-verify timeline: %v", err)
	}
	if evCount != 1 {
		t.Fatalf("expected FEI_CREATED to stay at 1 after replay, got %d", evCount)
	}

	// Approval stamps the date and advances the next owner.
	approval, err := ParsePatch(map[string]string{KeyExaminateurApprobation: "true"})
	if err != nil {
		t.Fatalf("parse approval: %v", err)
	}
	approved, err := svc.Apply(ctx, actor, numero, approval)
	if err != nil {
		t.Fatalf("apply approval: %v", err)
	}
	if approved.ExaminateurInitialDateApprobationMiseSurLeMarche == nil {
		t.Fatal("expected approval date stamped")
	}
	if approved.NextOwnerRole == nil || *approved.NextOwnerRole != RolePremierDetenteur {
		t.Fatalf("expected next owner %s, got %v", RolePremierDetenteur, approved.NextOwnerRole)
	}

	// Take custody and route to the SVI; assignment must be stamped.
	handoff, err := ParsePatch(map[string]string{
		KeyCurrentOwnerUserID: userID,
		KeyCurrentOwnerRole:   string(RolePremierDetenteur),
		KeyNextOwnerRole:      string(RoleSvi),
		KeyNextOwnerEntityID:  sviEntityID,
	})
	if err != nil {
		t.Fatalf("parse handoff: %v", err)
	}
	routed, err := svc.Apply(ctx, actor, numero, handoff)
	if err != nil {
		t.Fatalf("apply handoff: %v", err)
	}
	if routed.SviAssignedAt == nil || routed.SviEntityID == nil || *routed.SviEntityID != sviEntityID {
		t.Fatalf("expected svi assignment stamped, got assigned_at=%v entity=%v", routed.SviAssignedAt, routed.SviEntityID)
	}

	// Closing via SVI signature makes further edits bounce.
	closing, err := ParsePatch(map[string]string{KeySviSignedAt: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		t.Fatalf("parse closing: %v", err)
	}
	if _, err := svc.Apply(ctx, actor, numero, closing); err != nil {
		t.Fatalf("apply closing: %v", err)
	}
	edit, err := ParsePatch(map[string]string{KeyCommuneMiseAMort: "Forcalquier"})
	if err != nil {
		t.Fatalf("parse edit: %v", err)
	}
	if _, err := svc.Apply(ctx, actor, numero, edit); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after signature, got %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
