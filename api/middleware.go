package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/betagouv/zacharie-sub005/auth"
	"github.com/betagouv/zacharie-sub005/fei"
)

// headerEntityID lets a multi-entity user pick which entity they act for on
// this request. Membership is checked against entity_relations.
const headerEntityID = "X-Entity-Id"

var errForbiddenEntity = errors.New("api: not a member of the requested entity")

// session carries the authenticated identity through a request.
type session struct {
	UserID   string
	Roles    []fei.Role
	EntityID *string
}

func (s session) actor() fei.Actor {
	return fei.Actor{UserID: s.UserID, EntityID: s.EntityID, Roles: s.Roles}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess session)

// authenticated verifies the bearer token and resolves the acting entity
// before invoking the handler. There is no ambient user: handlers receive the
// session explicitly.
func (s *Server) authenticated(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.respondError(w, auth.ErrUnauthorized)
			return
		}

		userID, roles, err := s.auth.VerifyToken(token)
		if err != nil {
			s.respondError(w, err)
			return
		}

		sess := session{UserID: userID, Roles: roles}
		if entityID := r.Header.Get(headerEntityID); entityID != "" {
			member, err := s.isEntityMember(r, userID, entityID)
			if err != nil {
				s.respondError(w, err)
				return
			}
			if !member {
				s.respondError(w, fmt.Errorf("%w: %s", errForbiddenEntity, entityID))
				return
			}
			sess.EntityID = &entityID
		}

		next(w, r, sess)
	})
}

func (s *Server) isEntityMember(r *http.Request, userID, entityID string) (bool, error) {
	ids, err := s.entities.EntityIDsForUser(r.Context(), userID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == entityID {
			return true, nil
		}
	}
	return false, nil
}
