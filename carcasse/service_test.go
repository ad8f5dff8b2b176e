package carcasse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/betagouv/zacharie-sub005/fei"
)

var testNow = time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

func newTestService(repo *fakeCarcasseRepo) (*Service, *fakePool) {
	pool := &fakePool{}
	svc := NewService(pool, repo)
	svc.now = func() time.Time { return testNow }
	return svc, pool
}

func mustParse(t *testing.T, fields map[string]string) Patch {
	t.Helper()
	p, err := ParsePatch(fields)
	if err != nil {
		t.Fatalf("parse patch: %v", err)
	}
	return p
}

var actor = fei.Actor{UserID: "user-1"}

func TestApply_InsertsMissingCarcasse(t *testing.T) {
	repo := &fakeCarcasseRepo{}
	svc, pool := newTestService(repo)

	patch := mustParse(t, map[string]string{
		KeyNumeroBracelet: "BR-1",
		KeyFeiNumero:      "ZACH-1",
		KeyEspece:         "Sanglier",
	})
	updated, err := svc.Apply(context.Background(), actor, patch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if !repo.inserted {
		t.Fatal("expected insert for a missing bracelet")
	}
	if updated.Espece == nil || *updated.Espece != "Sanglier" {
		t.Fatalf("expected espece applied, got %v", updated.Espece)
	}
	if !repo.refreshed {
		t.Fatal("expected summary refresh")
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestApply_DeleteAbsentIsNoop(t *testing.T) {
	repo := &fakeCarcasseRepo{}
	svc, _ := newTestService(repo)

	patch := mustParse(t, map[string]string{
		KeyNumeroBracelet: "BR-GONE",
		KeyFeiNumero:      "ZACH-1",
		KeyAction:         ActionDelete,
	})
	updated, err := svc.Apply(context.Background(), actor, patch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.NumeroBracelet != "" {
		t.Fatal("expected zero carcasse for an absent delete")
	}
	if repo.inserted || repo.updated {
		t.Fatal("expected no writes")
	}
}

func TestApply_DeleteSetsDeletedAt(t *testing.T) {
	repo := &fakeCarcasseRepo{existing: &Carcasse{NumeroBracelet: "BR-1", FeiNumero: "ZACH-1"}}
	svc, _ := newTestService(repo)

	patch := mustParse(t, map[string]string{
		KeyNumeroBracelet: "BR-1",
		KeyFeiNumero:      "ZACH-1",
		KeyAction:         ActionDelete,
	})
	updated, err := svc.Apply(context.Background(), actor, patch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.DeletedAt == nil || !updated.DeletedAt.Equal(testNow) {
		t.Fatalf("expected deleted_at %v, got %v", testNow, updated.DeletedAt)
	}
}

func TestApply_SignedGroupRejectsEdits(t *testing.T) {
	signed := testNow.Add(-time.Hour)
	repo := &fakeCarcasseRepo{existing: &Carcasse{
		NumeroBracelet:      "BR-1",
		FeiNumero:           "ZACH-1",
		ExaminateurSignedAt: &signed,
	}}
	svc, pool := newTestService(repo)

	patch := mustParse(t, map[string]string{
		KeyNumeroBracelet: "BR-1",
		KeyFeiNumero:      "ZACH-1",
		KeyEspece:         "Chevreuil",
	})
	_, err := svc.Apply(context.Background(), actor, patch)
	if !errors.Is(err, ErrSignedGroupImmutable) {
		t.Fatalf("expected ErrSignedGroupImmutable, got %v", err)
	}
	if repo.updated {
		t.Fatal("expected no write")
	}
	if pool.tx.committed {
		t.Fatal("expected rollback")
	}
}

func TestApply_UnsignReopensGroup(t *testing.T) {
	signed := testNow.Add(-time.Hour)
	repo := &fakeCarcasseRepo{existing: &Carcasse{
		NumeroBracelet:      "BR-1",
		FeiNumero:           "ZACH-1",
		ExaminateurSignedAt: &signed,
	}}
	svc, _ := newTestService(repo)

	// Unsigning and editing in one mutation is allowed.
	patch := mustParse(t, map[string]string{
		KeyNumeroBracelet:      "BR-1",
		KeyFeiNumero:           "ZACH-1",
		KeyEspece:              "Chevreuil",
		KeyExaminateurSignedAt: "",
	})
	updated, err := svc.Apply(context.Background(), actor, patch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.ExaminateurSignedAt != nil {
		t.Fatal("expected group unsigned")
	}
	if updated.Espece == nil || *updated.Espece != "Chevreuil" {
		t.Fatalf("expected espece applied, got %v", updated.Espece)
	}
}

func TestApply_OtherGroupsStayEditable(t *testing.T) {
	signed := testNow.Add(-time.Hour)
	repo := &fakeCarcasseRepo{existing: &Carcasse{
		NumeroBracelet:      "BR-1",
		FeiNumero:           "ZACH-1",
		ExaminateurSignedAt: &signed,
	}}
	svc, _ := newTestService(repo)

	patch := mustParse(t, map[string]string{
		KeyNumeroBracelet:             "BR-1",
		KeyFeiNumero:                  "ZACH-1",
		KeyIntermediairePriseEnCharge: "true",
	})
	updated, err := svc.Apply(context.Background(), actor, patch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.IntermediairePriseEnCharge == nil || !*updated.IntermediairePriseEnCharge {
		t.Fatal("expected intermediaire group applied despite signed examiner group")
	}
}

func TestApply_BraceletBoundToFiche(t *testing.T) {
	repo := &fakeCarcasseRepo{existing: &Carcasse{NumeroBracelet: "BR-1", FeiNumero: "ZACH-1"}}
	svc, _ := newTestService(repo)

	patch := mustParse(t, map[string]string{
		KeyNumeroBracelet: "BR-1",
		KeyFeiNumero:      "ZACH-OTHER",
		KeyEspece:         "Cerf",
	})
	if _, err := svc.Apply(context.Background(), actor, patch); err == nil {
		t.Fatal("expected rejection for bracelet attached to another fiche")
	}
}

func TestParsePatch_RequiresKeys(t *testing.T) {
	if _, err := ParsePatch(map[string]string{KeyNumeroBracelet: "BR-1"}); !errors.Is(err, ErrMissingKeys) {
		t.Fatalf("expected ErrMissingKeys, got %v", err)
	}
	if _, err := ParsePatch(map[string]string{KeyFeiNumero: "ZACH-1"}); !errors.Is(err, ErrMissingKeys) {
		t.Fatalf("expected ErrMissingKeys, got %v", err)
	}
}

func TestParsePatch_Lists(t *testing.T) {
	p := mustParse(t, map[string]string{
		KeyNumeroBracelet:               "BR-1",
		KeyFeiNumero:                    "ZACH-1",
		KeyExaminateurAnomaliesCarcasse: "abces, poils , ",
		KeySviCarcasseSaisieMotif:       "",
	})
	got := p.ExaminateurAnomaliesCarcasse.Value()
	if len(got) != 2 || got[0] != "abces" || got[1] != "poils" {
		t.Fatalf("expected trimmed list, got %v", got)
	}
	if !p.SviCarcasseSaisieMotif.IsSet() || p.SviCarcasseSaisieMotif.Value() != nil {
		t.Fatal("expected present-but-empty list to clear")
	}
}

type fakeCarcasseRepo struct {
	existing *Carcasse

	inserted  bool
	updated   bool
	refreshed bool
}

func (f *fakeCarcasseRepo) GetForUpdate(_ context.Context, _ pgx.Tx, bracelet string) (Carcasse, error) {
	if f.existing == nil || f.existing.NumeroBracelet != bracelet {
		return Carcasse{}, ErrNotFound
	}
	return *f.existing, nil
}

func (f *fakeCarcasseRepo) InsertTx(_ context.Context, _ pgx.Tx, bracelet, feiNumero string) (Carcasse, error) {
	f.inserted = true
	return Carcasse{NumeroBracelet: bracelet, FeiNumero: feiNumero, CreatedAt: testNow, UpdatedAt: testNow}, nil
}

func (f *fakeCarcasseRepo) UpdateTx(_ context.Context, _ pgx.Tx, c Carcasse) (Carcasse, error) {
	f.updated = true
	return c, nil
}

func (f *fakeCarcasseRepo) RefreshResumeTx(_ context.Context, _ pgx.Tx, _ string) error {
	f.refreshed = true
	return nil
}

func (f *fakeCarcasseRepo) ListForFei(context.Context, string) ([]Carcasse, error) {
	return nil, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
