package dispatch

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/betagouv/zacharie-sub005/fei"
)

// EntityDirectory resolves the users behind an entity for fan-out.
type EntityDirectory interface {
	UserIDsForEntity(ctx context.Context, entityID string) ([]string, error)
}

// UsageTracker records first-use flags for hunters and processing entities.
type UsageTracker interface {
	MarkUserTreated(ctx context.Context, userID string) error
	MarkEntityTreated(ctx context.Context, entityID string) error
	MarkEntityFirstSviAssignment(ctx context.Context, entityID string) error
}

// KillDatePropagator pushes a corrected kill date down to the line items.
type KillDatePropagator interface {
	PropagateDateMiseAMort(ctx context.Context, feiNumero string, date *time.Time) error
}

// Dispatcher turns a committed before/after pair into side effects: a fixed
// set of non-exclusive bookkeeping effects plus exactly one exclusive
// notification route. Delivery failures are logged and swallowed; custody
// state never depends on a notification going out.
type Dispatcher struct {
	notifier  Notifier
	webhooks  WebhookSender
	entities  EntityDirectory
	usage     UsageTracker
	carcasses KillDatePropagator
	logger    *log.Logger
}

func NewDispatcher(notifier Notifier, webhooks WebhookSender, entities EntityDirectory, usage UsageTracker, carcasses KillDatePropagator, logger *log.Logger) *Dispatcher {
	if notifier == nil {
		notifier = &LogNotifier{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		notifier:  notifier,
		webhooks:  webhooks,
		entities:  entities,
		usage:     usage,
		carcasses: carcasses,
		logger:    logger,
	}
}

// Dispatch implements fei.Dispatcher. It runs after the mutation committed.
func (d *Dispatcher) Dispatch(ctx context.Context, before *fei.Fei, after fei.Fei, actor fei.Actor) {
	c := Change{Before: before, After: after, Actor: actor}

	d.runBookkeeping(ctx, c)

	name, err := d.resolve(ctx, c)
	if err != nil {
		deliveryErrors.Inc()
		d.logger.Printf("dispatch: route %s for fiche %s: %v", name, after.Numero, err)
	}
	if name != "" {
		routeFired.WithLabelValues(name).Inc()
	}
}

// runBookkeeping fires the non-exclusive effects. Each one is evaluated
// independently of the exclusive routing below.
func (d *Dispatcher) runBookkeeping(ctx context.Context, c Change) {
	after := &c.After

	// Approval webhook.
	if approvalStamped(c) && after.ExaminateurInitialUserID != nil {
		d.sendWebhook(ctx, *after.ExaminateurInitialUserID, EventApprobationMiseSurLeMarche, after.Numero)
	}

	// Current-owner-role change webhook.
	if currentRoleChanged(c) && after.CurrentOwnerUserID != nil {
		d.sendWebhook(ctx, *after.CurrentOwnerUserID, EventCurrentOwnerChanged, after.Numero)
	}

	// Kill-date corrections cascade to every line item.
	if killDateChanged(c) && d.carcasses != nil {
		if err := d.carcasses.PropagateDateMiseAMort(ctx, after.Numero, after.DateMiseAMort); err != nil {
			deliveryErrors.Inc()
			d.logger.Printf("dispatch: propagate kill date for fiche %s: %v", after.Numero, err)
		}
	}

	// First-time-treated tracking when a processing plant takes the fiche.
	if d.usage != nil && c.nextRoleChanged() && c.afterNextRole() == fei.RoleEtg {
		if after.ExaminateurInitialUserID != nil {
			d.swallow(d.usage.MarkUserTreated(ctx, *after.ExaminateurInitialUserID), "mark user treated", after.Numero)
		}
		if after.PremierDetenteurUserID != nil && deref(after.PremierDetenteurUserID) != deref(after.ExaminateurInitialUserID) {
			d.swallow(d.usage.MarkUserTreated(ctx, *after.PremierDetenteurUserID), "mark user treated", after.Numero)
		}
		if after.NextOwnerEntityID != nil {
			d.swallow(d.usage.MarkEntityTreated(ctx, *after.NextOwnerEntityID), "mark entity treated", after.Numero)
		}
	}

	// Closing webhooks.
	if closedByIntermediaire(c) {
		d.webhookChainHeads(ctx, after, EventClosedByIntermediaire)
	}
	if closedBySvi(c) {
		d.webhookChainHeads(ctx, after, EventClosedBySvi)
	}
}

// fireSviAssignment is route 1: the fiche was just assigned to the veterinary
// inspection service.
func (d *Dispatcher) fireSviAssignment(ctx context.Context, c Change) error {
	after := &c.After
	entityID := deref(after.SviEntityID)
	if entityID == "" {
		entityID = deref(after.NextOwnerEntityID)
	}

	if d.usage != nil && entityID != "" {
		d.swallow(d.usage.MarkEntityFirstSviAssignment(ctx, entityID), "mark first svi assignment", after.Numero)
	}

	if entityID != "" {
		n := Notification{
			Title:      "Nouvelle fiche à inspecter",
			Body:       "La fiche " + after.Numero + " vous a été assignée pour inspection.",
			EmailBody:  "La fiche d'accompagnement " + after.Numero + " attend votre inspection.",
			ActionTag:  "svi_assigned",
			Attachment: summaryOf(after),
		}
		if err := d.notifyEntityUsers(ctx, entityID, "", n); err != nil {
			return err
		}
	}

	d.webhookChainHeads(ctx, after, EventAssignedToSvi)
	return nil
}

// fireCircuitCourt is route 2: the carcasses leave the professional chain for
// an end-consumer destination.
func (d *Dispatcher) fireCircuitCourt(ctx context.Context, c Change) error {
	after := &c.After
	if entityID := deref(after.NextOwnerEntityID); entityID != "" {
		n := Notification{
			Title:      "Carcasses en approche",
			Body:       "La fiche " + after.Numero + " vous est destinée en circuit court.",
			EmailBody:  "La fiche d'accompagnement " + after.Numero + " arrive chez vous en circuit court.",
			ActionTag:  "circuit_court",
			Attachment: summaryOf(after),
		}
		if err := d.notifyEntityUsers(ctx, entityID, c.Actor.UserID, n); err != nil {
			return err
		}
	}

	d.webhookChainHeads(ctx, after, EventAssignedToCircuitCourt)
	return nil
}

// fireGenericNextOwner is route 3: plain reassignment. The user and entity
// sub-routes both run; a displaced assignee is told the assignment moved on.
func (d *Dispatcher) fireGenericNextOwner(ctx context.Context, c Change) error {
	after := &c.After

	if c.nextUserChanged() {
		if newUser := deref(after.NextOwnerUserID); newUser != "" {
			d.sendNotification(ctx, newUser, Notification{
				Title:     "Fiche assignée",
				Body:      "La fiche " + after.Numero + " vous a été transmise.",
				ActionTag: "next_owner_assigned",
			})
			d.sendWebhook(ctx, newUser, EventNextOwnerAssigned, after.Numero)
		}
		if c.Before != nil {
			if oldUser := deref(c.Before.NextOwnerUserID); oldUser != "" {
				d.sendNotification(ctx, oldUser, Notification{
					Title:     "Assignation annulée",
					Body:      "La fiche " + after.Numero + " ne vous est plus assignée.",
					ActionTag: "next_owner_revoked",
				})
				d.sendWebhook(ctx, oldUser, EventNextOwnerRevoked, after.Numero)
			}
		}
	}

	if c.nextEntityChanged() {
		if newEntity := deref(after.NextOwnerEntityID); newEntity != "" {
			n := Notification{
				Title:     "Fiche assignée",
				Body:      "La fiche " + after.Numero + " a été transmise à votre structure.",
				ActionTag: "next_owner_assigned",
			}
			if err := d.notifyEntityUsers(ctx, newEntity, c.Actor.UserID, n); err != nil {
				return err
			}
		}
		if c.Before != nil {
			if oldEntity := deref(c.Before.NextOwnerEntityID); oldEntity != "" {
				n := Notification{
					Title:     "Assignation annulée",
					Body:      "La fiche " + after.Numero + " n'est plus assignée à votre structure.",
					ActionTag: "next_owner_revoked",
				}
				if err := d.notifyEntityUsers(ctx, oldEntity, c.Actor.UserID, n); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// webhookChainHeads hits the examiner and the premier detenteur, the two
// fixed heads of the custody chain, with one webhook each.
func (d *Dispatcher) webhookChainHeads(ctx context.Context, f *fei.Fei, event string) {
	seen := make(map[string]bool, 2)
	for _, userID := range []*string{f.ExaminateurInitialUserID, f.PremierDetenteurUserID} {
		if userID == nil || *userID == "" || seen[*userID] {
			continue
		}
		seen[*userID] = true
		d.sendWebhook(ctx, *userID, event, f.Numero)
	}
}

// notifyEntityUsers fans the notification out to every user of the entity,
// skipping the acting user. Fan-out is concurrent but failures only get
// logged.
func (d *Dispatcher) notifyEntityUsers(ctx context.Context, entityID, skipUserID string, n Notification) error {
	if d.entities == nil {
		return nil
	}
	userIDs, err := d.entities.UserIDsForEntity(ctx, entityID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, userID := range userIDs {
		if userID == skipUserID {
			continue
		}
		g.Go(func() error {
			d.sendNotification(gctx, userID, n)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) sendNotification(ctx context.Context, userID string, n Notification) {
	notificationsSent.Inc()
	if err := d.notifier.Notify(ctx, userID, n); err != nil {
		deliveryErrors.Inc()
		d.logger.Printf("dispatch: notify user %s: %v", userID, err)
	}
}

func (d *Dispatcher) sendWebhook(ctx context.Context, userID, event, numero string) {
	if d.webhooks == nil {
		return
	}
	webhooksSent.WithLabelValues(event).Inc()
	if err := d.webhooks.Send(ctx, Webhook{TargetUserID: userID, Event: event, FeiNumero: numero}); err != nil {
		deliveryErrors.Inc()
		d.logger.Printf("dispatch: webhook %s to user %s: %v", event, userID, err)
	}
}

func (d *Dispatcher) swallow(err error, what, numero string) {
	if err != nil {
		deliveryErrors.Inc()
		d.logger.Printf("dispatch: %s for fiche %s: %v", what, numero, err)
	}
}

func approvalStamped(c Change) bool {
	var before *time.Time
	if c.Before != nil {
		before = c.Before.ExaminateurInitialDateApprobationMiseSurLeMarche
	}
	return before == nil && c.After.ExaminateurInitialDateApprobationMiseSurLeMarche != nil
}

func currentRoleChanged(c Change) bool {
	if c.Before == nil {
		return false
	}
	return c.Before.CurrentOwnerRole != c.After.CurrentOwnerRole
}

func killDateChanged(c Change) bool {
	if c.Before == nil {
		return c.After.DateMiseAMort != nil
	}
	b, a := c.Before.DateMiseAMort, c.After.DateMiseAMort
	switch {
	case b == nil && a == nil:
		return false
	case b == nil || a == nil:
		return true
	default:
		return !b.Equal(*a)
	}
}

func closedByIntermediaire(c Change) bool {
	var before *time.Time
	if c.Before != nil {
		before = c.Before.IntermediaireClosedAt
	}
	return before == nil && c.After.IntermediaireClosedAt != nil
}

func closedBySvi(c Change) bool {
	var before *time.Time
	if c.Before != nil {
		before = c.Before.SviSignedAt
	}
	return before == nil && c.After.SviSignedAt != nil
}
