package fei

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// FicheRepository defines the data access required by the service.
type FicheRepository interface {
	GetByNumero(ctx context.Context, numero string) (Fei, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, numero string) (Fei, error)
	CreateTx(ctx context.Context, tx pgx.Tx, numero string, actor Actor) (Fei, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, f Fei) (Fei, error)
	AppendTimelineTx(ctx context.Context, tx pgx.Tx, numero, eventType, actorID string, payload map[string]any) error
	ListForUser(ctx context.Context, userID string, entityIDs []string) ([]Fei, error)
}

// Dispatcher receives the before/after pair once the mutation committed. It
// must never fail the mutation; delivery problems are its own business.
type Dispatcher interface {
	Dispatch(ctx context.Context, before *Fei, after Fei, actor Actor)
}

// Service is the authoritative state machine for fiches. Every mutation is a
// single atomic read-modify-write against the persisted row; the last
// accepted write wins per field across concurrent online writers.
type Service struct {
	pool     TxBeginner
	repo     FicheRepository
	dispatch Dispatcher
	now      func() time.Time
}

func NewService(pool TxBeginner, repo FicheRepository, dispatch Dispatcher) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		dispatch: dispatch,
		now:      time.Now,
	}
}

// Get returns the current persisted fiche.
func (s *Service) Get(ctx context.Context, numero string) (Fei, error) {
	return s.repo.GetByNumero(ctx, numero)
}

// ListForUser returns the fiches relevant to the user, for list views and
// client cache refreshes.
func (s *Service) ListForUser(ctx context.Context, userID string, entityIDs []string) ([]Fei, error) {
	return s.repo.ListForUser(ctx, userID, entityIDs)
}

// Apply runs one sparse mutation through the state machine. A missing fiche
// is created first (the numero is client-generated, so offline creations
// replay into this same path without duplicating documents), then the patch
// is validated against the role graph and applied. Side effects fire after
// commit from the before/after pair.
func (s *Service) Apply(ctx context.Context, actor Actor, numero string, patch Patch) (Fei, error) {
	if numero == "" {
		return Fei{}, fmt.Errorf("fei: missing numero")
	}
	if actor.UserID == "" {
		return Fei{}, fmt.Errorf("fei: missing actor")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Fei{}, fmt.Errorf("fei: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		before  *Fei
		current Fei
		created bool
	)
	current, err = s.repo.GetForUpdate(ctx, tx, numero)
	switch {
	case err == nil:
		snapshot := current
		before = &snapshot
	case errors.Is(err, ErrNotFound):
		current, err = s.repo.CreateTx(ctx, tx, numero, actor)
		if err != nil {
			return Fei{}, err
		}
		created = true
	default:
		return Fei{}, err
	}

	if before != nil && before.Closed() && !patch.DeletedAt.IsSet() {
		return Fei{}, fmt.Errorf("%w: %s", ErrClosed, numero)
	}

	// Taking custody requires holding the claimed role.
	if patch.CurrentOwnerRole.IsSet() {
		if role := patch.CurrentOwnerRole.Value(); role != "" && !actor.HasRole(role) {
			return Fei{}, fmt.Errorf("%w: %s", ErrForbiddenRole, role)
		}
	}

	if err := patch.Validate(&current); err != nil {
		return Fei{}, err
	}

	work := current
	patch.apply(&work)
	s.computeTransitions(before, &work)

	updated, err := s.repo.UpdateTx(ctx, tx, work)
	if err != nil {
		return Fei{}, err
	}

	eventType := "FEI_UPDATED"
	if created {
		eventType = "FEI_CREATED"
	}
	if err := s.repo.AppendTimelineTx(ctx, tx, numero, eventType, actor.UserID, Diff(before, &updated)); err != nil {
		return Fei{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Fei{}, fmt.Errorf("fei: commit: %w", err)
	}

	if s.dispatch != nil {
		s.dispatch.Dispatch(ctx, before, updated, actor)
	}
	return updated, nil
}

// computeTransitions applies the side-computed fields the state machine owns.
func (s *Service) computeTransitions(before *Fei, work *Fei) {
	wasApproved := before != nil &&
		before.ExaminateurInitialApprobationMiseSurLeMarche != nil &&
		*before.ExaminateurInitialApprobationMiseSurLeMarche
	isApproved := work.ExaminateurInitialApprobationMiseSurLeMarche != nil &&
		*work.ExaminateurInitialApprobationMiseSurLeMarche

	// Examiner approval stamps the approval time and hands the fiche to the
	// premier detenteur in the same write.
	if isApproved && !wasApproved {
		now := s.now().UTC()
		work.ExaminateurInitialDateApprobationMiseSurLeMarche = &now
		if work.NextOwnerRole == nil || *work.NextOwnerRole == "" {
			role := RolePremierDetenteur
			work.NextOwnerRole = &role
		}
	}

	// The first assignment to the SVI fixes the inspection entity for the
	// remainder of the fiche's life, even if next-owner fields are cleared
	// later.
	wasSvi := before != nil && before.NextOwnerRole != nil && *before.NextOwnerRole == RoleSvi
	isSvi := work.NextOwnerRole != nil && *work.NextOwnerRole == RoleSvi
	if isSvi && !wasSvi && work.SviAssignedAt == nil {
		now := s.now().UTC()
		work.SviAssignedAt = &now
		if work.SviEntityID == nil && work.NextOwnerEntityID != nil {
			id := *work.NextOwnerEntityID
			work.SviEntityID = &id
		}
	}

	// Rotate the custody chain when the current owner changes hands.
	if before != nil && ownerChanged(before, work) {
		work.PrevOwnerUserID = cloneString(before.CurrentOwnerUserID)
		work.PrevOwnerEntityID = cloneString(before.CurrentOwnerEntityID)
		role := before.CurrentOwnerRole
		work.PrevOwnerRole = &role
	}
}

func ownerChanged(before, after *Fei) bool {
	return sstr(before.CurrentOwnerUserID) != sstr(after.CurrentOwnerUserID) ||
		sstr(before.CurrentOwnerEntityID) != sstr(after.CurrentOwnerEntityID) ||
		before.CurrentOwnerRole != after.CurrentOwnerRole
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
