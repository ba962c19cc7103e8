package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/routexhq/routex/internal/oauth"
)

func (s *server) handleOAuthProviders(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		writeData(w, http.StatusOK, []string{})
		return
	}
	writeData(w, http.StatusOK, s.deps.OAuth.Providers())
}

func (s *server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		writeError(w, http.StatusNotFound, "not_found", "oauth not configured")
		return
	}
	url, err := s.deps.OAuth.AuthorizeURL(chi.URLParam(r, "provider"), r.URL.Query().Get("channel"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	// Browsers follow the redirect; API clients read the URL from the envelope.
	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"authorize_url": url})
}

func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		writeError(w, http.StatusNotFound, "not_found", "oauth not configured")
		return
	}
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		writeError(w, http.StatusBadRequest, "bad_request", "authorization denied: "+errCode)
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "state and code are required")
		return
	}
	sess, err := s.deps.OAuth.Exchange(r.Context(), state, code)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, oauth.View(sess, time.Now()))
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Store.ListSessions(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	now := time.Now()
	views := make([]oauth.SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, oauth.View(sess, now))
	}
	writeData(w, http.StatusOK, views)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, oauth.View(sess, time.Now()))
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
