package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/betagouv/zacharie-sub005/carcasse"
	"github.com/betagouv/zacharie-sub005/fei"
)

// Registry shares the numeros of created fiches between actors.
type Registry struct {
	mu      sync.Mutex
	numeros []string
}

func (r *Registry) Add(numero string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numeros = append(r.numeros, numero)
}

func (r *Registry) Random() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.numeros) == 0 {
		return ""
	}
	return r.numeros[rand.Intn(len(r.numeros))]
}

// tolerable are the domain rejections actors are expected to run into under
// contention: they prove the state machine is holding, not that it broke.
func tolerable(err error) bool {
	return errors.Is(err, fei.ErrInvalidTransition) ||
		errors.Is(err, fei.ErrClosed) ||
		errors.Is(err, fei.ErrDuplicateNumero) ||
		errors.Is(err, fei.ErrNotFound) ||
		errors.Is(err, carcasse.ErrSignedGroupImmutable)
}

// Examinateur creates fiches and approves them for market release.
func Examinateur(ctx context.Context, svc *fei.Service, actor fei.Actor, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		numero := fmt.Sprintf("ZACH-STRESS-%d", rand.Int63())
		patch, err := fei.ParsePatch(map[string]string{
			fei.KeyDateMiseAMort:    time.Now().UTC().Format(time.RFC3339),
			fei.KeyCommuneMiseAMort: "Forcalquier",
		})
		if err != nil {
			return fmt.Errorf("examinateur parse: %w", err)
		}
		if _, err := svc.Apply(ctx, actor, numero, patch); err != nil {
			if !tolerable(err) {
				return fmt.Errorf("examinateur create: %w", err)
			}
			continue
		}
		reg.Add(numero)

		approval, err := fei.ParsePatch(map[string]string{
			fei.KeyExaminateurApprobation: "true",
		})
		if err != nil {
			return fmt.Errorf("examinateur parse approval: %w", err)
		}
		if _, err := svc.Apply(ctx, actor, numero, approval); err != nil && !tolerable(err) {
			return fmt.Errorf("examinateur approve: %w", err)
		}

		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Transferrer moves random fiches along the chain: it takes custody as the
// next owner, then assigns a new next owner. Rejections under contention are
// expected.
func Transferrer(ctx context.Context, svc *fei.Service, actor fei.Actor, reg *Registry, etgEntityID, sviEntityID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		numero := reg.Random()
		if numero == "" {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		current, err := svc.Get(ctx, numero)
		if err != nil {
			if !tolerable(err) {
				return fmt.Errorf("transferrer get: %w", err)
			}
			continue
		}

		var fields map[string]string
		switch {
		case current.NextOwnerRole == nil && current.CurrentOwnerRole == fei.RoleExaminateurInitial:
			// Waiting on approval; nothing to do yet.
			time.Sleep(30 * time.Millisecond)
			continue
		case current.NextOwnerRole != nil && *current.NextOwnerRole == fei.RolePremierDetenteur:
			// Take custody as premier detenteur, then route to the ETG.
			fields = map[string]string{
				fei.KeyCurrentOwnerUserID:     actor.UserID,
				fei.KeyCurrentOwnerRole:       string(fei.RolePremierDetenteur),
				fei.KeyNextOwnerUserID:        "",
				fei.KeyNextOwnerEntityID:      etgEntityID,
				fei.KeyNextOwnerRole:          string(fei.RoleEtg),
				fei.KeyPremierDetenteurUserID: actor.UserID,
			}
		case current.NextOwnerRole != nil && *current.NextOwnerRole == fei.RoleEtg:
			// Take custody at the plant, then hand over to the SVI.
			fields = map[string]string{
				fei.KeyCurrentOwnerUserID:   actor.UserID,
				fei.KeyCurrentOwnerEntityID: etgEntityID,
				fei.KeyCurrentOwnerRole:     string(fei.RoleEtg),
				fei.KeyNextOwnerUserID:      "",
				fei.KeyNextOwnerEntityID:    sviEntityID,
				fei.KeyNextOwnerRole:        string(fei.RoleSvi),
			}
		default:
			time.Sleep(30 * time.Millisecond)
			continue
		}

		patch, err := fei.ParsePatch(fields)
		if err != nil {
			return fmt.Errorf("transferrer parse: %w", err)
		}
		if _, err := svc.Apply(ctx, actor, numero, patch); err != nil && !tolerable(err) {
			return fmt.Errorf("transferrer apply: %w", err)
		}

		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// CarcasseEditor upserts, edits and occasionally deletes line items on random
// fiches, fighting over the denormalized summary.
func CarcasseEditor(ctx context.Context, svc *carcasse.Service, actor fei.Actor, reg *Registry, stop <-chan struct{}) error {
	especes := []string{"Sanglier", "Chevreuil", "Cerf"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		numero := reg.Random()
		if numero == "" {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		fields := map[string]string{
			carcasse.KeyNumeroBracelet: fmt.Sprintf("BR-%s-%d", numero, rand.Intn(4)),
			carcasse.KeyFeiNumero:      numero,
			carcasse.KeyEspece:         especes[rand.Intn(len(especes))],
		}
		if rand.Intn(10) == 0 {
			fields[carcasse.KeyAction] = carcasse.ActionDelete
		}

		patch, err := carcasse.ParsePatch(fields)
		if err != nil {
			return fmt.Errorf("carcasse editor parse: %w", err)
		}
		if _, err := svc.Apply(ctx, actor, patch); err != nil && !tolerable(err) {
			return fmt.Errorf("carcasse editor apply: %w", err)
		}

		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// SviCloser signs off random fiches as the inspection service. Most attempts
// bounce off ErrClosed or the role graph, which is the point.
func SviCloser(ctx context.Context, svc *fei.Service, actor fei.Actor, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		numero := reg.Random()
		if numero == "" {
			time.Sleep(80 * time.Millisecond)
			continue
		}

		patch, err := fei.ParsePatch(map[string]string{
			fei.KeySviSignedAt: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("svi closer parse: %w", err)
		}
		if _, err := svc.Apply(ctx, actor, numero, patch); err != nil && !tolerable(err) {
			return fmt.Errorf("svi closer apply: %w", err)
		}

		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// WebhookRelay drains the webhook outbox with SKIP LOCKED, the way the
// production relay does, so the drain oracle has something to verify.
func WebhookRelay(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM webhook_outbox WHERE delivered_at IS NULL ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE webhook_outbox SET delivered_at = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
