package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/betagouv/zacharie-sub005/auth"
	"github.com/betagouv/zacharie-sub005/carcasse"
	"github.com/betagouv/zacharie-sub005/entity"
	"github.com/betagouv/zacharie-sub005/fei"
	"github.com/betagouv/zacharie-sub005/intermediaire"
)

// AuthService is the slice of the auth layer the HTTP surface needs.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, []fei.Role, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

// FicheService applies sparse mutations and serves reads of fiches.
type FicheService interface {
	Get(ctx context.Context, numero string) (fei.Fei, error)
	ListForUser(ctx context.Context, userID string, entityIDs []string) ([]fei.Fei, error)
	Apply(ctx context.Context, actor fei.Actor, numero string, patch fei.Patch) (fei.Fei, error)
}

// CarcasseService applies line-item mutations and serves reads of carcasses.
type CarcasseService interface {
	ListForFei(ctx context.Context, feiNumero string) ([]carcasse.Carcasse, error)
	Apply(ctx context.Context, actor fei.Actor, patch carcasse.Patch) (carcasse.Carcasse, error)
}

// IntermediaireStore manages intermediate handling events.
type IntermediaireStore interface {
	Create(ctx context.Context, params intermediaire.CreateParams) (intermediaire.Record, error)
	ListForFei(ctx context.Context, feiNumero string) ([]intermediaire.Record, error)
	FinishCheck(ctx context.Context, id string, at time.Time) (intermediaire.Record, error)
	Handover(ctx context.Context, id string, at time.Time) (intermediaire.Record, error)
	SoftDelete(ctx context.Context, id string) error
}

// EntityDirectory resolves entities and user/entity relations.
type EntityDirectory interface {
	ListByType(ctx context.Context, role fei.Role, limit int) ([]entity.Entity, error)
	EntityIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Server wires the HTTP surface over the domain services. All mutation
// endpoints speak the sparse field-map convention: a flat JSON object of
// string values where an absent key leaves the persisted field alone and an
// empty value clears it.
type Server struct {
	auth           AuthService
	fiches         FicheService
	carcasses      CarcasseService
	intermediaires IntermediaireStore
	entities       EntityDirectory
	logger         *log.Logger
	now            func() time.Time
}

func NewServer(
	authSvc AuthService,
	fiches FicheService,
	carcasses CarcasseService,
	intermediaires IntermediaireStore,
	entities EntityDirectory,
	logger *log.Logger,
) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		auth:           authSvc,
		fiches:         fiches,
		carcasses:      carcasses,
		intermediaires: intermediaires,
		entities:       entities,
		logger:         logger,
		now:            time.Now,
	}
}

// Handler builds the routed handler with CORS applied. The mobile clients run
// from a different origin, so CORS stays permissive on origins but strict on
// headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.Handle("GET /api/me", s.authenticated(s.handleMe))
	mux.Handle("GET /api/fei", s.authenticated(s.handleListFei))
	mux.Handle("GET /api/fei/{numero}", s.authenticated(s.handleGetFei))
	mux.Handle("POST /api/fei/{numero}", s.authenticated(s.handleMutateFei))
	mux.Handle("GET /api/fei/{numero}/carcasses", s.authenticated(s.handleListCarcasses))
	mux.Handle("POST /api/carcasse", s.authenticated(s.handleMutateCarcasse))
	mux.Handle("GET /api/fei/{numero}/intermediaires", s.authenticated(s.handleListIntermediaires))
	mux.Handle("POST /api/fei/{numero}/intermediaire", s.authenticated(s.handleCreateIntermediaire))
	mux.Handle("POST /api/intermediaire/{id}/check-finished", s.authenticated(s.handleFinishCheck))
	mux.Handle("POST /api/intermediaire/{id}/handover", s.authenticated(s.handleHandover))
	mux.Handle("DELETE /api/intermediaire/{id}", s.authenticated(s.handleDeleteIntermediaire))
	mux.Handle("GET /api/entities", s.authenticated(s.handleListEntities))

	mux.Handle("GET /metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", headerEntityID},
	})
	return c.Handler(mux)
}

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{OK: true, Data: data}); err != nil {
		s.logger.Printf("api: encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Printf("api: internal error: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: false, Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, fei.ErrNotFound),
		errors.Is(err, carcasse.ErrNotFound),
		errors.Is(err, intermediaire.ErrNotFound),
		errors.Is(err, entity.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, fei.ErrInvalidTransition),
		errors.Is(err, fei.ErrClosed),
		errors.Is(err, carcasse.ErrSignedGroupImmutable),
		errors.Is(err, carcasse.ErrMissingKeys),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, errBadBody):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, errForbiddenEntity),
		errors.Is(err, fei.ErrForbiddenRole):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrDuplicateEmail),
		errors.Is(err, fei.ErrDuplicateNumero):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return v, errors.Join(errBadBody, err)
	}
	return v, nil
}

var errBadBody = errors.New("api: malformed request body")
