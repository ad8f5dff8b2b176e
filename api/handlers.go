package api

import (
	"net/http"

	"github.com/betagouv/zacharie-sub005/auth"
	"github.com/betagouv/zacharie-sub005/carcasse"
	"github.com/betagouv/zacharie-sub005/fei"
	"github.com/betagouv/zacharie-sub005/intermediaire"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[auth.RegisterRequest](r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, userToWire(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[auth.LoginRequest](r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	result, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  userToWire(result.User),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, sess session) {
	user, err := s.auth.GetUserByID(r.Context(), sess.UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	entityIDs, err := s.entities.EntityIDsForUser(r.Context(), sess.UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"user":     userToWire(*user),
		"entities": entityIDs,
	})
}

// handleListFei is the authoritative refresh feed: the client's sync engine
// re-fetches this after every replay.
func (s *Server) handleListFei(w http.ResponseWriter, r *http.Request, sess session) {
	entityIDs, err := s.entities.EntityIDsForUser(r.Context(), sess.UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	fiches, err := s.fiches.ListForUser(r.Context(), sess.UserID, entityIDs)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, feiListToWire(fiches))
}

func (s *Server) handleGetFei(w http.ResponseWriter, r *http.Request, _ session) {
	f, err := s.fiches.Get(r.Context(), r.PathValue("numero"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, feiToWire(f))
}

// handleMutateFei accepts one sparse field-map mutation. The same endpoint
// serves live edits and offline replays; a missing fiche is created on the
// fly, keyed by the client-generated numero. The optional redirect_to hint is
// accepted and discarded by the parser.
func (s *Server) handleMutateFei(w http.ResponseWriter, r *http.Request, sess session) {
	fields, err := decodeBody[map[string]string](r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	patch, err := fei.ParsePatch(fields)
	if err != nil {
		s.respondError(w, err)
		return
	}

	updated, err := s.fiches.Apply(r.Context(), sess.actor(), r.PathValue("numero"), patch)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, feiToWire(updated))
}

func (s *Server) handleListCarcasses(w http.ResponseWriter, r *http.Request, _ session) {
	carcasses, err := s.carcasses.ListForFei(r.Context(), r.PathValue("numero"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	out := make([]map[string]string, 0, len(carcasses))
	for _, c := range carcasses {
		out = append(out, carcasseToWire(c))
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleMutateCarcasse(w http.ResponseWriter, r *http.Request, sess session) {
	fields, err := decodeBody[map[string]string](r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	patch, err := carcasse.ParsePatch(fields)
	if err != nil {
		s.respondError(w, err)
		return
	}

	updated, err := s.carcasses.Apply(r.Context(), sess.actor(), patch)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if updated.NumeroBracelet == "" {
		// Deleting an absent carcass: nothing to return, the replay already won.
		s.respond(w, http.StatusOK, nil)
		return
	}
	s.respond(w, http.StatusOK, carcasseToWire(updated))
}

func (s *Server) handleListIntermediaires(w http.ResponseWriter, r *http.Request, _ session) {
	records, err := s.intermediaires.ListForFei(r.Context(), r.PathValue("numero"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	out := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		out = append(out, intermediaireToWire(rec))
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleCreateIntermediaire(w http.ResponseWriter, r *http.Request, sess session) {
	body, err := decodeBody[struct {
		EntityID string `json:"entity_id"`
	}](r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	rec, err := s.intermediaires.Create(r.Context(), intermediaire.CreateParams{
		FeiNumero: r.PathValue("numero"),
		EntityID:  body.EntityID,
		UserID:    sess.UserID,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, intermediaireToWire(rec))
}

func (s *Server) handleFinishCheck(w http.ResponseWriter, r *http.Request, _ session) {
	rec, err := s.intermediaires.FinishCheck(r.Context(), r.PathValue("id"), s.now().UTC())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, intermediaireToWire(rec))
}

func (s *Server) handleHandover(w http.ResponseWriter, r *http.Request, _ session) {
	rec, err := s.intermediaires.Handover(r.Context(), r.PathValue("id"), s.now().UTC())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, intermediaireToWire(rec))
}

func (s *Server) handleDeleteIntermediaire(w http.ResponseWriter, r *http.Request, _ session) {
	if err := s.intermediaires.SoftDelete(r.Context(), r.PathValue("id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request, _ session) {
	role := fei.Role(r.URL.Query().Get("type"))
	if role == "" {
		s.respondError(w, errBadBody)
		return
	}

	entities, err := s.entities.ListByType(r.Context(), role, 100)
	if err != nil {
		s.respondError(w, err)
		return
	}
	out := make([]map[string]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, entityToWire(e))
	}
	s.respond(w, http.StatusOK, out)
}
