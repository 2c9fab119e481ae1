package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/flowmeta/meta"
	"github.com/maxpert/flowmeta/user"
)

type createUserRequest struct {
	Name        string `json:"name"`
	Password    string `json:"password"`
	IsSuper     bool   `json:"is_super"`
	CanCreateDB bool   `json:"can_create_db"`
	CanLogin    bool   `json:"can_login"`
}

type privilegesRequest struct {
	Grants          []user.Grant `json:"grants"`
	GrantOptionOnly bool         `json:"grant_option_only,omitempty"`
}

func (h *AdminHandlers) handleListUsers(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	writeJSONResponse(w, t.Users.ListUsers())
}

func (h *AdminHandlers) handleCreateUser(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeErrorResponse(w, http.StatusBadRequest, "user name is required")
		return
	}

	u, err := t.Users.CreateUser(r.Context(), user.User{
		Name:        req.Name,
		IsSuper:     req.IsSuper,
		CanCreateDB: req.CanCreateDB,
		CanLogin:    req.CanLogin,
	}, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, u)
}

func (h *AdminHandlers) handleDropUser(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	name := chi.URLParam(r, "name")
	if err := t.Users.DropUser(r.Context(), name); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{"dropped": name})
}

func (h *AdminHandlers) handleGrant(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	name := chi.URLParam(r, "name")
	var req privilegesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := t.Users.Grant(r.Context(), name, req.Grants); err != nil {
		writeDomainError(w, err)
		return
	}
	h.writeUser(w, t, name)
}

func (h *AdminHandlers) handleRevoke(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	name := chi.URLParam(r, "name")
	var req privilegesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := t.Users.Revoke(r.Context(), name, req.Grants, req.GrantOptionOnly); err != nil {
		writeDomainError(w, err)
		return
	}
	h.writeUser(w, t, name)
}

func (h *AdminHandlers) writeUser(w http.ResponseWriter, t *meta.Term, name string) {
	u, err := t.Users.GetUser(name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONResponse(w, u)
}
