package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"

	"content-platform/internal/apperr"
	"content-platform/internal/auth"
	"content-platform/internal/models"
)

// userSummary is the public view of a local user.
type userSummary struct {
	ID        int64       `json:"id"`
	SubjectID string      `json:"user_id"`
	Name      string      `json:"name,omitempty"`
	Source    string      `json:"source"`
	Role      models.Role `json:"role"`
	Banned    bool        `json:"banned"`
}

func summarize(u models.LocalUser) userSummary {
	return userSummary{ID: u.ID, SubjectID: u.ProviderSubjectID, Name: u.Name, Source: u.Source, Role: u.Role, Banned: u.Banned}
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := decode(r, &creds); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.auth.SignUp(r.Context(), creds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"state": res.State,
		"user":  summarize(*res.User),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := decode(r, &creds); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := s.auth.Login(r.Context(), creds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleAdminExists(w http.ResponseWriter, r *http.Request) {
	exists, err := s.authz.CheckAdminBootstrap(r.Context())
	if err != nil {
		s.writeError(w, r, apperr.Internal("check admin existence", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"admin_exists": exists})
}

func (s *Server) handleIfAdmin(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "user_id")
	ok, err := s.authz.IsAdmin(r.Context(), subject)
	if err != nil {
		s.writeError(w, r, apperr.Internal("check admin role", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_admin": ok})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req auth.CreateUserRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, _ := identityFrom(r.Context())
	u, err := s.auth.CreateLocalUser(r.Context(), caller, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summarize(u))
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	u, err := s.authz.BootstrapAdmin(r.Context(), caller.SubjectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(u))
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.authz.BanUser(r.Context(), id)
	if err != nil && u.ID == 0 {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{"id": u.ID, "banned": u.Banned}
	if err != nil {
		// banned, but some queued jobs are still waiting to be withdrawn
		body["warning"] = "queued jobs not fully withdrawn; retry to finish"
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.authz.UnbanUser(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "banned": u.Banned})
}

type roleRequest struct {
	Role string `json:"role"`
}

func (r roleRequest) Validate() error {
	return validation.ValidateStruct(&r, validation.Field(&r.Role, validation.Required))
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req roleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, apperr.Validation("INVALID_ROLE", err.Error()))
		return
	}
	u, err := s.authz.SetRole(r.Context(), id, req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(u))
}

func userIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("INVALID_USER_ID", "user id must be a positive integer")
	}
	return id, nil
}
