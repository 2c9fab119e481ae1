package admin

import (
	"net/http"

	"github.com/maxpert/flowmeta/catalog"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/meta"
)

type createObjectRequest struct {
	Name     string `json:"name"`
	ParentID uint64 `json:"parent_id"`
	Owner    uint64 `json:"owner"`
}

type createStreamingRequest struct {
	Object catalog.Object        `json:"object"`
	Graph  fragment.LogicalGraph `json:"graph"`
}

// handleListCatalog handles GET /admin/catalog?parent=ID. Without a parent it
// lists databases.
func (h *AdminHandlers) handleListCatalog(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	parent, err := parseQueryID(r, "parent")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"version": t.Catalog.Version(),
		"objects": t.Catalog.List(parent),
	})
}

// handleCreateDatabase handles POST /admin/catalog/databases
func (h *AdminHandlers) handleCreateDatabase(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	var req createObjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.createPlain(w, r, t, catalog.Object{Name: req.Name, Kind: catalog.KindDatabase, Owner: req.Owner})
}

// handleCreateSchema handles POST /admin/catalog/schemas
func (h *AdminHandlers) handleCreateSchema(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	var req createObjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.createPlain(w, r, t, catalog.Object{Name: req.Name, Kind: catalog.KindSchema, ParentID: req.ParentID, Owner: req.Owner})
}

func (h *AdminHandlers) createPlain(w http.ResponseWriter, r *http.Request, t *meta.Term, obj catalog.Object) {
	out, err := t.DDL.Create(r.Context(), obj)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, out)
}

// handleCreateStreamingJob handles POST /admin/catalog/streaming
func (h *AdminHandlers) handleCreateStreamingJob(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	var req createStreamingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := t.DDL.CreateStreamingJob(r.Context(), req.Object, req.Graph)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, res)
}

// handleDropObject handles DELETE /admin/catalog/{objectID}
func (h *AdminHandlers) handleDropObject(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	objID, err := parseID(r, "objectID")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := t.DDL.Drop(r.Context(), objID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONResponse(w, res)
}

type scaleRequest struct {
	Parallelism int `json:"parallelism"`
}

// handleScaleFragment handles POST /admin/fragments/{fragmentID}/scale
func (h *AdminHandlers) handleScaleFragment(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	fragmentID, err := parseID(r, "fragmentID")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	var req scaleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Parallelism < 1 {
		writeErrorResponse(w, http.StatusBadRequest, "parallelism must be positive")
		return
	}

	e, err := t.DDL.Scale(r.Context(), fragmentID, req.Parallelism)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{"fragment_id": fragmentID, "epoch": e})
}
