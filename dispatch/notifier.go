package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/betagouv/zacharie-sub005/fei"
)

// Webhook event names carried to downstream consumers.
const (
	EventApprobationMiseSurLeMarche = "FEI_APPROBATION_MISE_SUR_LE_MARCHE"
	EventCurrentOwnerChanged        = "FEI_CURRENT_OWNER_CHANGED"
	EventAssignedToSvi              = "ASSIGNED_TO_SVI"
	EventAssignedToCircuitCourt     = "ASSIGNED_TO_CIRCUIT_COURT"
	EventNextOwnerAssigned          = "FEI_ASSIGNED_NEXT_OWNER"
	EventNextOwnerRevoked           = "FEI_NEXT_OWNER_REVOKED"
	EventClosedByIntermediaire      = "FEI_CLOSED_BY_INTERMEDIAIRE"
	EventClosedBySvi                = "FEI_CLOSED_BY_SVI"
)

// Summary is the document attachment joined to the richer terminal-handoff
// notifications.
type Summary struct {
	FeiNumero     string
	Commune       string
	DateMiseAMort *time.Time
	Carcasses     string
}

// Notification is one push/email bundle for a single user.
type Notification struct {
	Title      string
	Body       string
	EmailBody  string
	ActionTag  string
	Attachment *Summary
}

// Webhook is one downstream callback keyed by target user and event name.
type Webhook struct {
	TargetUserID string
	Event        string
	FeiNumero    string
}

// Notifier delivers notifications. Delivery transport (push, email, SMS) is
// an external collaborator; implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// WebhookSender delivers webhooks to downstream consumers.
type WebhookSender interface {
	Send(ctx context.Context, w Webhook) error
}

// LogNotifier is the default Notifier: it writes the bundle to the process
// log. Used in development and as the fallback when no transport is wired.
type LogNotifier struct {
	Logger *log.Logger
}

func (n *LogNotifier) Notify(_ context.Context, userID string, notif Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify user=%s action=%s title=%q", userID, notif.ActionTag, notif.Title)
	return nil
}

// PGWebhookSender enqueues webhooks into the webhook_outbox table. A relay
// worker owns actual HTTP delivery; enqueueing keeps the dispatcher fast and
// the payload durable.
type PGWebhookSender struct {
	pool *pgxpool.Pool
}

func NewPGWebhookSender(pool *pgxpool.Pool) *PGWebhookSender {
	return &PGWebhookSender{pool: pool}
}

func (s *PGWebhookSender) Send(ctx context.Context, w Webhook) error {
	payload, err := json.Marshal(map[string]string{"fei_numero": w.FeiNumero})
	if err != nil {
		return fmt.Errorf("dispatch: marshal webhook payload: %w", err)
	}
	const q = `
INSERT INTO webhook_outbox (target_user_id, event, payload)
VALUES ($1, $2, $3::jsonb)`
	if _, err := s.pool.Exec(ctx, q, w.TargetUserID, w.Event, payload); err != nil {
		return fmt.Errorf("dispatch: enqueue webhook: %w", err)
	}
	return nil
}

func summaryOf(f *fei.Fei) *Summary {
	s := &Summary{FeiNumero: f.Numero, DateMiseAMort: f.DateMiseAMort}
	if f.CommuneMiseAMort != nil {
		s.Commune = *f.CommuneMiseAMort
	}
	if f.ResumeNombreDeCarcasses != nil {
		s.Carcasses = *f.ResumeNombreDeCarcasses
	}
	return s
}
