package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/betagouv/zacharie-sub005/fei"
)

// ErrOffline signals the server was unreachable. Writes fall back to the
// queue; uncached reads surface ErrOfflineUnavailable instead.
var ErrOffline = errors.New("client: network unreachable")

// Session is the authenticated identity a device acts under. It is passed
// explicitly to every operation; the client holds no ambient user.
type Session struct {
	Token    string
	UserID   string
	Roles    []fei.Role
	EntityID *string
}

// Client is the offline-first access layer: reads come from the local store,
// writes go to the server when reachable and into the persisted queue when
// not, with an optimistic projection cached either way.
type Client struct {
	baseURL string
	http    *http.Client
	store   *Store
	logger  *log.Logger
}

func New(baseURL string, store *Store, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		store:   store,
		logger:  logger,
	}
}

// Store exposes the underlying local store for direct cache reads.
func (c *Client) Store() *Store { return c.store }

// GenerateNumero builds a fresh document number. Numeros are minted on the
// device before the first network attempt, so a creation replayed from the
// queue converges on the same server row instead of duplicating it.
func GenerateNumero(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("ZACH-%s-%s", now.UTC().Format("20060102"), suffix)
}

// WriteResult reports where a write landed.
type WriteResult struct {
	// Doc is the authoritative document when the write went through live,
	// or the optimistic local projection when it was queued.
	Doc    map[string]string
	Queued bool
}

// SaveFei applies a sparse field-map mutation to a fiche. Online, the server
// response replaces the cached document. Offline, the mutation is queued
// (merging with any pending entry for the same fiche) and an optimistic
// projection is cached so the UI keeps working.
func (c *Client) SaveFei(ctx context.Context, sess Session, numero string, fields map[string]string) (WriteResult, error) {
	if numero == "" {
		return WriteResult{}, fmt.Errorf("client: missing numero")
	}
	target := c.baseURL + "/api/fei/" + numero
	before, _ := c.store.GetDocument(KindFei, numero)

	doc, err := c.postFields(ctx, sess, target, fields)
	if err == nil {
		if err := c.store.PutDocument(KindFei, numero, doc); err != nil {
			return WriteResult{}, err
		}
		if err := c.store.Audit("fei_saved", numero, before, doc); err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Doc: doc}, nil
	}
	if !errors.Is(err, ErrOffline) {
		return WriteResult{}, err
	}

	if err := c.store.Enqueue(numero, target, http.MethodPost, fields); err != nil {
		return WriteResult{}, err
	}
	projected := c.projectFei(sess, numero, before, fields)
	if err := c.store.PutDocument(KindFei, numero, projected); err != nil {
		return WriteResult{}, err
	}
	if err := c.store.Audit("fei_queued", numero, before, projected); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Doc: projected, Queued: true}, nil
}

// SaveCarcasse applies a line-item mutation, keyed by bracelet number so
// queued upserts replay idempotently.
func (c *Client) SaveCarcasse(ctx context.Context, sess Session, fields map[string]string) (WriteResult, error) {
	bracelet := fields["numero_bracelet"]
	if bracelet == "" || fields["fei_numero"] == "" {
		return WriteResult{}, fmt.Errorf("client: numero_bracelet and fei_numero required")
	}
	target := c.baseURL + "/api/carcasse"
	before, _ := c.store.GetDocument(KindCarcasse, bracelet)

	doc, err := c.postFields(ctx, sess, target, fields)
	if err == nil {
		if doc == nil {
			doc = map[string]string{}
		}
		if err := c.store.PutDocument(KindCarcasse, bracelet, doc); err != nil {
			return WriteResult{}, err
		}
		if err := c.store.Audit("carcasse_saved", bracelet, before, doc); err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Doc: doc}, nil
	}
	if !errors.Is(err, ErrOffline) {
		return WriteResult{}, err
	}

	if err := c.store.Enqueue("carcasse:"+bracelet, target, http.MethodPost, fields); err != nil {
		return WriteResult{}, err
	}
	projected := mergeFields(before, fields)
	if err := c.store.PutDocument(KindCarcasse, bracelet, projected); err != nil {
		return WriteResult{}, err
	}
	if err := c.store.Audit("carcasse_queued", bracelet, before, projected); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Doc: projected, Queued: true}, nil
}

// GetFei reads a fiche from the local cache. It never blocks on the network.
func (c *Client) GetFei(numero string) (map[string]string, error) {
	return c.store.GetDocument(KindFei, numero)
}

// ListFeis reads the cached fiches. It never blocks on the network.
func (c *Client) ListFeis() ([]map[string]string, error) {
	return c.store.ListDocuments(KindFei)
}

// RefreshFeis re-fetches the authoritative fiche list and replaces the cache,
// except for documents with a pending queued mutation: their optimistic local
// version must survive until the queue drains.
func (c *Client) RefreshFeis(ctx context.Context, sess Session) error {
	raw, err := c.getJSON(ctx, sess, c.baseURL+"/api/fei")
	if err != nil {
		return err
	}
	var docs []map[string]string
	if err := json.Unmarshal(raw, &docs); err != nil {
		return fmt.Errorf("client: decode fiche list: %w", err)
	}

	pending, err := c.store.PendingKeys()
	if err != nil {
		return err
	}
	for _, doc := range docs {
		numero := doc["numero"]
		if numero == "" || pending[numero] {
			continue
		}
		if err := c.store.PutDocument(KindFei, numero, doc); err != nil {
			return err
		}
	}
	return nil
}

// RefreshEntities caches the entities of one type for offline custodian
// pickers and projections.
func (c *Client) RefreshEntities(ctx context.Context, sess Session, role fei.Role) error {
	raw, err := c.getJSON(ctx, sess, c.baseURL+"/api/entities?type="+url.QueryEscape(string(role)))
	if err != nil {
		return err
	}
	var docs []map[string]string
	if err := json.Unmarshal(raw, &docs); err != nil {
		return fmt.Errorf("client: decode entity list: %w", err)
	}
	for _, doc := range docs {
		if doc["id"] == "" {
			continue
		}
		if err := c.store.PutDocument(KindEntity, doc["id"], doc); err != nil {
			return err
		}
	}
	return nil
}

// projectFei builds the optimistic local version of a fiche after an offline
// write. A creation is synthesized from the session: the device knows who it
// is even without the server. A transfer pulls the destination entity's name
// from the cached relations so the UI can show the next custodian.
func (c *Client) projectFei(sess Session, numero string, before, fields map[string]string) map[string]string {
	base := before
	if base == nil {
		base = map[string]string{
			"numero":                        numero,
			"workflow":                      string(fei.StateCreated),
			fei.KeyCurrentOwnerUserID:       sess.UserID,
			fei.KeyCurrentOwnerRole:         string(fei.RoleExaminateurInitial),
			fei.KeyExaminateurInitialUserID: sess.UserID,
			"created_by_user_id":            sess.UserID,
		}
		if sess.EntityID != nil {
			base[fei.KeyCurrentOwnerEntityID] = *sess.EntityID
		}
	}
	merged := mergeFields(base, fields)
	if id := merged[fei.KeyNextOwnerEntityID]; id != "" {
		if e, err := c.store.GetDocument(KindEntity, id); err == nil {
			merged["fei_next_owner_entity_nom"] = e["nom"]
		}
	}
	return merged
}

// httpError is a server-side rejection: the request arrived but was refused.
type httpError struct {
	Status  int
	Message string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("client: server rejected request (%d): %s", e.Status, e.Message)
}

func (c *Client) postFields(ctx context.Context, sess Session, target string, fields map[string]string) (map[string]string, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("client: marshal mutation: %w", err)
	}
	raw, err := c.do(ctx, sess, http.MethodPost, target, body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var doc map[string]string
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("client: decode mutation response: %w", err)
	}
	return doc, nil
}

func (c *Client) getJSON(ctx context.Context, sess Session, target string) (json.RawMessage, error) {
	return c.do(ctx, sess, http.MethodGet, target, nil)
}

func (c *Client) do(ctx context.Context, sess Session, method, target string, body []byte) (json.RawMessage, error) {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sess.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}
	if sess.EntityID != nil {
		req.Header.Set("X-Entity-Id", *sess.EntityID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, fmt.Errorf("%w: %v", ErrOffline, err)
		}
		return nil, fmt.Errorf("client: request failed: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	if resp.StatusCode >= 400 || !env.OK {
		return nil, &httpError{Status: resp.StatusCode, Message: env.Error}
	}
	return env.Data, nil
}
