package client

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
)

// Event is a trigger for the sync engine.
type Event string

const (
	// EventBackOnline fires when connectivity returns.
	EventBackOnline Event = "back-online"
	// EventDashboardOpened fires when the user lands on their fiche list.
	EventDashboardOpened Event = "dashboard-opened"
	// EventClearCache drains the queue then wipes the cached documents.
	EventClearCache Event = "clear-cache"
)

// SyncEngine drains the persisted mutation queue and refreshes the cache. A
// single consumer goroutine owns the whole cycle, so replays never interleave
// with each other or with a refresh.
type SyncEngine struct {
	client *Client
	sess   Session
	events chan Event
	logger *log.Logger

	startOnce sync.Once
	done      chan struct{}
}

func NewSyncEngine(c *Client, sess Session, logger *log.Logger) *SyncEngine {
	if logger == nil {
		logger = log.Default()
	}
	return &SyncEngine{
		client: c,
		sess:   sess,
		events: make(chan Event, 16),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the consumer loop. Subsequent calls are no-ops.
func (e *SyncEngine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go e.run(ctx)
	})
}

// Done is closed when the consumer loop has exited.
func (e *SyncEngine) Done() <-chan struct{} { return e.done }

// Notify hands an event to the engine without blocking. When the buffer is
// full the event is dropped: a sync is already pending and will pick up
// whatever this one would have.
func (e *SyncEngine) Notify(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *SyncEngine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			switch ev {
			case EventBackOnline, EventDashboardOpened:
				e.Sync(ctx)
			case EventClearCache:
				e.ClearCache(ctx)
			}
		}
	}
}

// Sync replays the queue then refreshes the cache. Exported so callers can
// run one cycle synchronously (tests, CLI).
func (e *SyncEngine) Sync(ctx context.Context) {
	e.replay(ctx)
	if err := e.client.RefreshFeis(ctx, e.sess); err != nil {
		e.logger.Printf("sync: refresh: %v", err)
	}
}

// ClearCache drains the queue, then wipes the cached documents. Entries that
// did not replay stay queued for the next cycle: clearing the cache never
// cancels a pending mutation.
func (e *SyncEngine) ClearCache(ctx context.Context) {
	e.replay(ctx)
	if err := e.client.store.ClearDocuments(); err != nil {
		e.logger.Printf("sync: clear cache: %v", err)
	}
}

// replay walks the queue in enqueue order. A failed entry is kept for the
// next cycle but never blocks the entries behind it; a server-side rejection
// is permanent, so the entry is dropped and the rejection recorded.
func (e *SyncEngine) replay(ctx context.Context) {
	entries, err := e.client.store.Pending()
	if err != nil {
		e.logger.Printf("sync: list queue: %v", err)
		return
	}

	for _, entry := range entries {
		doc, err := e.client.postFields(ctx, e.sess, entry.URL, entry.Fields)
		switch {
		case err == nil:
			if doc != nil {
				e.acceptReplayed(entry, doc)
			}
			if err := e.client.store.DeleteQueued(entry.ID); err != nil {
				e.logger.Printf("sync: delete replayed entry %d: %v", entry.ID, err)
			}
		case isRejection(err):
			e.logger.Printf("sync: entry %d rejected: %v", entry.ID, err)
			if aErr := e.client.store.Audit("replay_rejected", entry.DedupeKey, entry.Fields, nil); aErr != nil {
				e.logger.Printf("sync: audit rejection: %v", aErr)
			}
			if err := e.client.store.DeleteQueued(entry.ID); err != nil {
				e.logger.Printf("sync: delete rejected entry %d: %v", entry.ID, err)
			}
		default:
			// Transient: keep the entry, move on to the next one.
			e.logger.Printf("sync: entry %d kept for retry: %v", entry.ID, err)
		}
	}
}

// acceptReplayed swaps the optimistic projection for the server's document.
func (e *SyncEngine) acceptReplayed(entry QueuedMutation, doc map[string]string) {
	kind, key := KindFei, entry.DedupeKey
	if bracelet, ok := strings.CutPrefix(entry.DedupeKey, "carcasse:"); ok {
		kind, key = KindCarcasse, bracelet
	}
	if err := e.client.store.PutDocument(kind, key, doc); err != nil {
		e.logger.Printf("sync: cache replayed doc %s: %v", key, err)
	}
}

// isRejection reports whether the error is a definitive server-side refusal,
// as opposed to a transport failure or an overloaded server.
func isRejection(err error) bool {
	var hErr *httpError
	if !errors.As(err, &hErr) {
		return false
	}
	return hErr.Status >= 400 && hErr.Status < 500 && hErr.Status != http.StatusTooManyRequests
}
