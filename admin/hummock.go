package admin

import (
	"net/http"

	"github.com/maxpert/flowmeta/hummock"
	"github.com/maxpert/flowmeta/meta"
	"github.com/rs/zerolog/log"
)

// handleHummockVersion handles GET /admin/hummock/version, or one older
// version with ?id=
func (h *AdminHandlers) handleHummockVersion(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	versionID, err := parseQueryID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	v := t.Hummock.CurrentVersion()
	if versionID != 0 {
		if v, err = t.Hummock.GetVersion(versionID); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeJSONResponse(w, map[string]interface{}{
		"version": v,
		"pins":    t.Hummock.Pins(),
	})
}

// handleCompactionTasks handles GET /admin/hummock/tasks
func (h *AdminHandlers) handleCompactionTasks(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	writeJSONResponse(w, map[string]interface{}{
		"tasks":  t.Hummock.Tasks(),
		"scores": t.Hummock.Scores(),
	})
}

type compactRequest struct {
	Worker uint64 `json:"worker"`
	Level  *int   `json:"level,omitempty"`
}

// handleTriggerCompaction handles POST /admin/hummock/compact. It picks a
// task for the worker and sends it right away.
func (h *AdminHandlers) handleTriggerCompaction(w http.ResponseWriter, r *http.Request, t *meta.Term) {
	var req compactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := t.Cluster.GetNode(req.Worker); err != nil {
		writeDomainError(w, err)
		return
	}

	level := hummock.AnyLevel
	if req.Level != nil {
		level = *req.Level
	}
	task, err := t.Hummock.RequestCompaction(r.Context(), req.Worker, level)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if task == nil {
		writeJSONResponse(w, nil)
		return
	}

	if err := t.Workers.AssignCompactionTask(r.Context(), *task); err != nil {
		requeued := t.Hummock.RequeueWorkerTasks(task.Worker)
		log.Warn().Err(err).Uint64("task", task.ID).Int("requeued", len(requeued)).Msg("Manual compaction could not be delivered")
		writeDomainError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, task)
}
