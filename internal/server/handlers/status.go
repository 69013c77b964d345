package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/lakeconnector/internal/errors"
	"github.com/3leaps/lakeconnector/pkg/job"
)

// StatusReader is the read side of the metastore used by the status API.
type StatusReader interface {
	GetTrigger(ctx context.Context, queueType string) (*job.Trigger, error)
	GetByID(ctx context.Context, queueType string, id int64) (*job.Info, error)
}

// JobResponse is a queue entry with its decoded orchestrator status, if any.
type JobResponse struct {
	*job.Info
	Type               job.Type                `json:"type,omitempty"`
	OrchestratorStatus *job.OrchestratorStatus `json:"orchestrator_status,omitempty"`
}

// StatusHandlers serves trigger and job lookups.
type StatusHandlers struct {
	reader StatusReader
}

func NewStatusHandlers(reader StatusReader) *StatusHandlers {
	return &StatusHandlers{reader: reader}
}

// Trigger handles GET /v1/queues/{queueType}/trigger.
func (h *StatusHandlers) Trigger(w http.ResponseWriter, r *http.Request) {
	t, err := h.reader.GetTrigger(r.Context(), chi.URLParam(r, "queueType"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Job handles GET /v1/queues/{queueType}/jobs/{id}.
func (h *StatusHandlers) Job(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.HTTPError{
			Code:    apperrors.CodeBadRequest,
			Message: fmt.Sprintf("invalid job id %q", raw),
		})
		return
	}

	info, err := h.reader.GetByID(r.Context(), chi.URLParam(r, "queueType"), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	resp := JobResponse{Info: info}
	if typ, err := job.ProbeType(info.Definition); err == nil {
		resp.Type = typ
		if typ == job.TypeOrchestrator && info.Result != "" {
			if st, err := job.DecodeOrchestratorStatus(info.Result); err == nil {
				resp.OrchestratorStatus = st
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
