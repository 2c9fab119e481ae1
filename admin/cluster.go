package admin

import (
	"net/http"

	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/meta"
)

// handleListNodes handles GET /admin/cluster/nodes, optionally filtered by
// ?role=
func (h *AdminHandlers) handleListNodes(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	var roles []cluster.Role
	for _, role := range r.URL.Query()["role"] {
		roles = append(roles, cluster.Role(role))
	}

	nodes := t.Cluster.ListNodes(roles...)
	resp := make([]map[string]interface{}, 0, len(nodes))
	for _, n := range nodes {
		resp = append(resp, map[string]interface{}{
			"node":   n,
			"actors": len(t.Scheduler.ActorsOn(n.ID)),
		})
	}
	writeJSONResponse(w, resp)
}

// handleDrainNode handles POST /admin/cluster/nodes/{nodeID}/drain
func (h *AdminHandlers) handleDrainNode(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	nodeID, err := parseID(r, "nodeID")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := t.DDL.Drain(r.Context(), nodeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONResponse(w, n)
}

// handleBarrierStatus handles GET /admin/barrier
func (h *AdminHandlers) handleBarrierStatus(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	writeJSONResponse(w, map[string]interface{}{
		"status":  t.Barrier.Status(),
		"pending": t.Barrier.Pending(),
	})
}
