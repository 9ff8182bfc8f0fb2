package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/syncforge/roster/internal/scim"
)

// SCIMService is the provisioning surface the SCIM endpoints delegate to.
type SCIMService interface {
	GetUser(ctx context.Context, id string) (*scim.User, error)
	ListUsers(ctx context.Context, filter string, startIndex, count int) (*scim.ListResponse, error)
	CreateUser(ctx context.Context, su *scim.User) (*scim.User, error)
	ReplaceUser(ctx context.Context, id string, su *scim.User) (*scim.User, error)
	PatchUser(ctx context.Context, id string, req *scim.PatchRequest) (*scim.User, error)
	DeleteUser(ctx context.Context, id string) error
	GetGroup(ctx context.Context, name string) (*scim.Group, error)
	ListGroups(ctx context.Context, filter string, startIndex, count int) (*scim.ListResponse, error)
	ReplaceGroup(ctx context.Context, name string, g *scim.Group) (*scim.Group, error)
	PatchGroup(ctx context.Context, name string, req *scim.PatchRequest) (*scim.Group, error)
}

// SCIMHandlers wires the SCIM 2.0 endpoints.
type SCIMHandlers struct {
	svc SCIMService
}

// NewSCIMHandlers creates the handler set.
func NewSCIMHandlers(svc SCIMService) *SCIMHandlers {
	return &SCIMHandlers{svc: svc}
}

// Mount registers the SCIM routes on a router, normally under /scim/v2.
func (h *SCIMHandlers) Mount(r chi.Router) {
	r.Get("/ServiceProviderConfig", h.ServiceProviderConfig)
	r.Get("/ResourceTypes", h.ResourceTypes)
	r.Get("/ResourceTypes/{id}", h.ResourceType)

	r.Route("/Users", func(r chi.Router) {
		r.Get("/", h.ListUsers)
		r.Post("/", h.CreateUser)
		r.Get("/{id}", h.GetUser)
		r.Put("/{id}", h.ReplaceUser)
		r.Patch("/{id}", h.PatchUser)
		r.Delete("/{id}", h.DeleteUser)
	})
	r.Route("/Groups", func(r chi.Router) {
		r.Get("/", h.ListGroups)
		r.Get("/{id}", h.GetGroup)
		r.Put("/{id}", h.ReplaceGroup)
		r.Patch("/{id}", h.PatchGroup)
	})
}

// ServiceProviderConfig handles GET /ServiceProviderConfig.
func (h *SCIMHandlers) ServiceProviderConfig(w http.ResponseWriter, _ *http.Request) {
	writeSCIM(w, http.StatusOK, scim.DefaultServiceProviderConfig())
}

// ResourceTypes handles GET /ResourceTypes.
func (h *SCIMHandlers) ResourceTypes(w http.ResponseWriter, _ *http.Request) {
	types := scim.ResourceTypes()
	resources := make([]any, 0, len(types))
	for i := range types {
		resources = append(resources, types[i])
	}
	writeSCIM(w, http.StatusOK, &scim.ListResponse{
		Schemas:      []string{scim.SchemaListResponse},
		TotalResults: len(resources),
		StartIndex:   1,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

// ResourceType handles GET /ResourceTypes/{id}.
func (h *SCIMHandlers) ResourceType(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, rt := range scim.ResourceTypes() {
		if rt.ID == id {
			writeSCIM(w, http.StatusOK, rt)
			return
		}
	}
	writeSCIMError(w, http.StatusNotFound, "", fmt.Sprintf("resource type %s not found", id))
}

// ListUsers handles GET /Users.
func (h *SCIMHandlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.ListUsers(r.Context(), r.URL.Query().Get("filter"), queryInt(r, "startIndex"), queryInt(r, "count"))
	if err != nil {
		scimError(w, err)
		return
	}
	writeSCIM(w, http.StatusOK, resp)
}

// GetUser handles GET /Users/{id}.
func (h *SCIMHandlers) GetUser(w http.ResponseWriter, r *http.Request) {
	su, err := h.svc.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		scimError(w, err)
		return
	}
	writeSCIM(w, http.StatusOK, su)
}

// CreateUser handles POST /Users.
func (h *SCIMHandlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var su scim.User
	if err := json.NewDecoder(r.Body).Decode(&su); err != nil {
		writeSCIMError(w, http.StatusBadRequest, "invalidSyntax", fmt.Sprintf("invalid user body: %v", err))
		return
	}

	created, err := h.svc.CreateUser(r.Context(), &su)
	if err != nil {
		scimError(w, err)
		return
	}
	writeSCIM(w, http.StatusCreated, created)
}

// ReplaceUser handles PUT /Users/{id}.
func (h *SCIMHandlers) ReplaceUser(w http.ResponseWriter, r *http.Request) {
	var su scim.User
	if err := json.NewDecoder(r.Body).Decode(&su); err != nil {
		writeSCIMError(w, http.StatusBadRequest, "invalidSyntax", fmt.Sprintf("invalid user body: %v", err))
		return
	}

	updated, err := h.svc.ReplaceUser(r.Context(), chi.URLParam(r, "id"), &su)
	if err != nil {
		scimError(w, err)
		return
	}
	writeSCIM(w, http.StatusOK, updated)
}

// PatchUser handles PATCH /Users/{id}.
func (h *SCIMHandlers) PatchUser(w http.ResponseWriter, r *http.Request) {
	var req scim.PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSCIMError(w, http.StatusBadRequest, "invalidSyntax", fmt.Sprintf("invalid patch body: %v", err))
		return
	}

	updated, err := h.svc.PatchUser(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		scimError(w, err)
		return
	}
	writeSCIM(w, http.StatusOK, updated)
}

// DeleteUser handles DELETE /Users/{id}. The account is deactivated, never
// removed.
func (h *SCIMHandlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		scimError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListGroups handles GET /Groups.
func (h *SCIMHandlers) ListGroups(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.ListGroups(r.Context(), r.URL.Query().Get("filter"), queryInt(r, "startIndex"), queryInt(r, "count"))
	if err != nil {
		scimError(w, err)
		return
	}
	writeSCIM(w, http.StatusOK, resp)
}

// GetGroup handles GET /Groups/{id}.
func (h *SCIMHandlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		scimError(w, err)
		return
	}
	writeSCIM(w, http.StatusOK, g)
}

// ReplaceGroup handles PUT /Groups/{id}.
func (h *SCIMHandlers) ReplaceGroup(w http.ResponseWriter, r *http.Request) {
	var g scim.Group
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeSCIMError(w, http.StatusBadRequest, "invalidSyntax", fmt.Sprintf("invalid group body: %v", err))
		return
	}

	updated, err := h.svc.ReplaceGroup(r.Context(), chi.URLParam(r, "id"), &g)
	if err != nil {
		scimError(w, err)
		return
	}
	writeSCIM(w, http.StatusOK, updated)
}

// PatchGroup handles PATCH /Groups/{id}.
func (h *SCIMHandlers) PatchGroup(w http.ResponseWriter, r *http.Request) {
	var req scim.PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSCIMError(w, http.StatusBadRequest, "invalidSyntax", fmt.Sprintf("invalid patch body: %v", err))
		return
	}

	updated, err := h.svc.PatchGroup(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		scimError(w, err)
		return
	}
	writeSCIM(w, http.StatusOK, updated)
}

// scimError maps service errors onto SCIM error responses.
func scimError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scim.ErrNotFound):
		writeSCIMError(w, http.StatusNotFound, "", err.Error())
	case errors.Is(err, scim.ErrConflict):
		writeSCIMError(w, http.StatusConflict, "uniqueness", err.Error())
	case errors.Is(err, scim.ErrBadRequest):
		writeSCIMError(w, http.StatusBadRequest, "invalidValue", err.Error())
	default:
		writeSCIMError(w, http.StatusInternalServerError, "", err.Error())
	}
}

func writeSCIMError(w http.ResponseWriter, status int, scimType, detail string) {
	writeSCIM(w, status, scim.NewError(status, scimType, detail))
}

func writeSCIM(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write scim response: %v", err)
	}
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}
