package carcasse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/betagouv/zacharie-sub005/fei"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CarcasseRepository defines the data access required by the service.
type CarcasseRepository interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, bracelet string) (Carcasse, error)
	InsertTx(ctx context.Context, tx pgx.Tx, bracelet, feiNumero string) (Carcasse, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, c Carcasse) (Carcasse, error)
	RefreshResumeTx(ctx context.Context, tx pgx.Tx, feiNumero string) error
	ListForFei(ctx context.Context, feiNumero string) ([]Carcasse, error)
}

// Service applies line-item mutations. Upserts are keyed by bracelet number,
// so replaying the same queued mutation twice converges on the same row.
type Service struct {
	pool TxBeginner
	repo CarcasseRepository
	now  func() time.Time
}

func NewService(pool TxBeginner, repo CarcasseRepository) *Service {
	return &Service{pool: pool, repo: repo, now: time.Now}
}

// ListForFei returns the live carcasses of a fiche.
func (s *Service) ListForFei(ctx context.Context, feiNumero string) ([]Carcasse, error) {
	return s.repo.ListForFei(ctx, feiNumero)
}

// Apply runs one sparse carcass mutation: upsert by bracelet, soft delete on
// the delete action, signed groups immutable until explicitly unsigned. The
// parent fiche's denormalized summary is refreshed in the same transaction.
func (s *Service) Apply(ctx context.Context, actor fei.Actor, patch Patch) (Carcasse, error) {
	if patch.NumeroBracelet == "" || patch.FeiNumero == "" {
		return Carcasse{}, ErrMissingKeys
	}
	if actor.UserID == "" {
		return Carcasse{}, fmt.Errorf("carcasse: missing actor")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Carcasse{}, fmt.Errorf("carcasse: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, patch.NumeroBracelet)
	switch {
	case err == nil:
		if current.FeiNumero != patch.FeiNumero {
			return Carcasse{}, fmt.Errorf("carcasse: bracelet %s belongs to fiche %s", patch.NumeroBracelet, current.FeiNumero)
		}
		if err := patch.Validate(&current); err != nil {
			return Carcasse{}, err
		}
	case errors.Is(err, ErrNotFound):
		if patch.Delete {
			// Deleting an absent carcass is a no-op; the replay already won.
			return Carcasse{}, nil
		}
		current, err = s.repo.InsertTx(ctx, tx, patch.NumeroBracelet, patch.FeiNumero)
		if err != nil {
			return Carcasse{}, err
		}
	default:
		return Carcasse{}, err
	}

	work := current
	patch.apply(&work)
	if patch.Delete && work.DeletedAt == nil {
		now := s.now().UTC()
		work.DeletedAt = &now
	}

	updated, err := s.repo.UpdateTx(ctx, tx, work)
	if err != nil {
		return Carcasse{}, err
	}

	if err := s.repo.RefreshResumeTx(ctx, tx, patch.FeiNumero); err != nil {
		return Carcasse{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Carcasse{}, fmt.Errorf("carcasse: commit: %w", err)
	}
	return updated, nil
}
