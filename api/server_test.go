package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/betagouv/zacharie-sub005/auth"
	"github.com/betagouv/zacharie-sub005/carcasse"
	"github.com/betagouv/zacharie-sub005/entity"
	"github.com/betagouv/zacharie-sub005/fei"
	"github.com/betagouv/zacharie-sub005/intermediaire"
)

const testToken = "valid-token"

func newTestServer(fiches *fakeFiches) *Server {
	return NewServer(
		&fakeAuth{},
		fiches,
		&fakeCarcasses{},
		&fakeIntermediaires{},
		&fakeEntities{userEntities: []string{"entity-1"}},
		log.New(io.Discard, "", 0),
	)
}

func doRequest(t *testing.T, h http.Handler, method, target, token, entityID string, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if entityID != "" {
		req.Header.Set(headerEntityID, entityID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return rec, env
}

func TestAuthenticatedEndpointsRejectMissingToken(t *testing.T) {
	h := newTestServer(&fakeFiches{}).Handler()

	rec, env := doRequest(t, h, http.MethodGet, "/api/fei", "", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if env.OK {
		t.Fatal("expected ok=false")
	}

	rec, _ = doRequest(t, h, http.MethodGet, "/api/fei", "garbage-token", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestMutateFeiParsesSparseFields(t *testing.T) {
	fiches := &fakeFiches{}
	h := newTestServer(fiches).Handler()

	body := `{"examinateur_initial_approbation_mise_sur_le_marche":"true","commune_mise_a_mort":""}`
	rec, env := doRequest(t, h, http.MethodPost, "/api/fei/ZACH-1", testToken, "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !env.OK {
		t.Fatalf("expected ok envelope, got %+v", env)
	}

	if fiches.gotNumero != "ZACH-1" {
		t.Fatalf("expected numero ZACH-1, got %q", fiches.gotNumero)
	}
	if fiches.gotActor.UserID != "user-1" {
		t.Fatalf("expected actor user-1, got %q", fiches.gotActor.UserID)
	}
	p := fiches.gotPatch
	if !p.ExaminateurInitialApprobationMiseSurLeMarche.IsSet() || !p.ExaminateurInitialApprobationMiseSurLeMarche.Value() {
		t.Fatal("expected approbation parsed as true")
	}
	// Present-but-empty clears, so the assignment must be carried.
	if !p.CommuneMiseAMort.IsSet() || p.CommuneMiseAMort.Value() != "" {
		t.Fatal("expected commune present-but-empty")
	}
	if p.DateMiseAMort.IsSet() {
		t.Fatal("absent keys must stay unset")
	}
}

func TestMutateFeiDomainRejectionsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fei.ErrInvalidTransition, http.StatusBadRequest},
		{fei.ErrClosed, http.StatusBadRequest},
		{fei.ErrForbiddenRole, http.StatusForbidden},
		{fei.ErrDuplicateNumero, http.StatusConflict},
		{fei.ErrNotFound, http.StatusNotFound},
	}
	for _, c := range cases {
		fiches := &fakeFiches{applyErr: c.err}
		h := newTestServer(fiches).Handler()
		rec, env := doRequest(t, h, http.MethodPost, "/api/fei/ZACH-1", testToken, "", `{}`)
		if rec.Code != c.want {
			t.Errorf("%v: expected %d, got %d", c.err, c.want, rec.Code)
		}
		if env.OK {
			t.Errorf("%v: expected ok=false", c.err)
		}
	}
}

func TestMutateFeiMalformedBody(t *testing.T) {
	h := newTestServer(&fakeFiches{}).Handler()
	rec, _ := doRequest(t, h, http.MethodPost, "/api/fei/ZACH-1", testToken, "", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEntityHeaderMembership(t *testing.T) {
	fiches := &fakeFiches{}
	h := newTestServer(fiches).Handler()

	// Not a member of entity-2.
	rec, _ := doRequest(t, h, http.MethodPost, "/api/fei/ZACH-1", testToken, "entity-2", `{}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	// Member of entity-1: the session carries the acting entity.
	rec, _ = doRequest(t, h, http.MethodPost, "/api/fei/ZACH-1", testToken, "entity-1", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fiches.gotActor.EntityID == nil || *fiches.gotActor.EntityID != "entity-1" {
		t.Fatalf("expected acting entity entity-1, got %v", fiches.gotActor.EntityID)
	}
}

func TestGetFeiResponseIsFieldMap(t *testing.T) {
	commune := "Banon"
	fiches := &fakeFiches{fiche: fei.Fei{
		Numero:           "ZACH-1",
		CurrentOwnerRole: fei.RoleExaminateurInitial,
		CommuneMiseAMort: &commune,
	}}
	h := newTestServer(fiches).Handler()

	rec, env := doRequest(t, h, http.MethodGet, "/api/fei/ZACH-1", testToken, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	raw, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatalf("remarshal data: %v", err)
	}
	var doc map[string]string
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("response data is not a flat field-map: %v", err)
	}
	if doc["numero"] != "ZACH-1" {
		t.Fatalf("expected numero in wire doc, got %v", doc)
	}
	if doc[fei.KeyCommuneMiseAMort] != "Banon" {
		t.Fatalf("expected commune in wire doc, got %v", doc)
	}
	if doc["workflow"] != string(fei.StateCreated) {
		t.Fatalf("expected derived workflow, got %q", doc["workflow"])
	}
}

func TestMutateCarcasseMissingKeys(t *testing.T) {
	h := newTestServer(&fakeFiches{}).Handler()
	rec, _ := doRequest(t, h, http.MethodPost, "/api/carcasse", testToken, "", `{"espece":"Sanglier"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without bracelet/fiche keys, got %d", rec.Code)
	}
}

func TestListEntitiesRequiresType(t *testing.T) {
	h := newTestServer(&fakeFiches{}).Handler()
	rec, _ := doRequest(t, h, http.MethodGet, "/api/entities", testToken, "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without type filter, got %d", rec.Code)
	}

	rec, _ = doRequest(t, h, http.MethodGet, "/api/entities?type=SVI", testToken, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

type fakeAuth struct{}

func (f *fakeAuth) Register(context.Context, auth.RegisterRequest) (*auth.User, error) {
	panic("not implemented")
}

func (f *fakeAuth) Login(context.Context, auth.LoginRequest) (auth.LoginResult, error) {
	panic("not implemented")
}

func (f *fakeAuth) VerifyToken(token string) (string, []fei.Role, error) {
	if token != testToken {
		return "", nil, auth.ErrUnauthorized
	}
	return "user-1", []fei.Role{fei.RoleExaminateurInitial}, nil
}

func (f *fakeAuth) GetUserByID(context.Context, string) (*auth.User, error) {
	return &auth.User{ID: "user-1", Email: "u@example.com"}, nil
}

type fakeFiches struct {
	fiche    fei.Fei
	applyErr error

	gotActor  fei.Actor
	gotNumero string
	gotPatch  fei.Patch
}

func (f *fakeFiches) Get(_ context.Context, numero string) (fei.Fei, error) {
	if f.fiche.Numero == "" {
		return fei.Fei{}, fei.ErrNotFound
	}
	return f.fiche, nil
}

func (f *fakeFiches) ListForUser(context.Context, string, []string) ([]fei.Fei, error) {
	return nil, nil
}

func (f *fakeFiches) Apply(_ context.Context, actor fei.Actor, numero string, patch fei.Patch) (fei.Fei, error) {
	f.gotActor = actor
	f.gotNumero = numero
	f.gotPatch = patch
	if f.applyErr != nil {
		return fei.Fei{}, f.applyErr
	}
	return fei.Fei{Numero: numero, CurrentOwnerRole: fei.RoleExaminateurInitial}, nil
}

type fakeCarcasses struct{}

func (f *fakeCarcasses) ListForFei(context.Context, string) ([]carcasse.Carcasse, error) {
	return nil, nil
}

func (f *fakeCarcasses) Apply(_ context.Context, _ fei.Actor, patch carcasse.Patch) (carcasse.Carcasse, error) {
	return carcasse.Carcasse{NumeroBracelet: patch.NumeroBracelet, FeiNumero: patch.FeiNumero}, nil
}

type fakeIntermediaires struct{}

func (f *fakeIntermediaires) Create(context.Context, intermediaire.CreateParams) (intermediaire.Record, error) {
	panic("not implemented")
}

func (f *fakeIntermediaires) ListForFei(context.Context, string) ([]intermediaire.Record, error) {
	return nil, nil
}

func (f *fakeIntermediaires) FinishCheck(context.Context, string, time.Time) (intermediaire.Record, error) {
	panic("not implemented")
}

func (f *fakeIntermediaires) Handover(context.Context, string, time.Time) (intermediaire.Record, error) {
	panic("not implemented")
}

func (f *fakeIntermediaires) SoftDelete(context.Context, string) error {
	panic("not implemented")
}

type fakeEntities struct {
	userEntities []string
}

func (f *fakeEntities) ListByType(context.Context, fei.Role, int) ([]entity.Entity, error) {
	return nil, nil
}

func (f *fakeEntities) EntityIDsForUser(context.Context, string) ([]string, error) {
	return f.userEntities, nil
}
