package abtest

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/mailtrack/internal/common"
	"github.com/noah-isme/mailtrack/internal/generator"
)

// Handler exposes experiment endpoints.
type Handler struct {
	Svc *Service
}

// Create registers a new experiment.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	exp, err := h.Svc.Create(r.Context(), in)
	if err != nil {
		WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, exp)
}

// Results returns the per-variant statistics of one experiment.
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context(), chi.URLParam(r, "experimentId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, stats)
}

// All lists every experiment, newest first.
func (h *Handler) All(w http.ResponseWriter, r *http.Request) {
	exps, err := h.Svc.List(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if exps == nil {
		exps = []Experiment{}
	}
	common.JSON(w, http.StatusOK, exps)
}

// WriteError maps experiment and generation errors onto HTTP responses.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.WriteError(w, common.NotFound("experiment not found", err))
	case errors.Is(err, generator.ErrGeneration):
		common.WriteError(w, common.NewAppError("GENERATION_FAILED", "content generation failed", http.StatusBadGateway, err))
	default:
		common.WriteError(w, err)
	}
}
