package mail

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/mailtrack/internal/common"
)

// Handler exposes the tracking read endpoints.
type Handler struct {
	Svc *Service
}

// Stats returns global open statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "MAIL_NOT_CONFIGURED", "mail service not configured", nil)
		return
	}
	stats, err := h.Svc.GlobalStats(r.Context())
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, stats)
}

// RecordStats returns the open history summary of one delivery record.
func (h *Handler) RecordStats(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "MAIL_NOT_CONFIGURED", "mail service not configured", nil)
		return
	}
	stats, err := h.Svc.RecordStats(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.WriteError(w, common.NotFound("email not found", err))
			return
		}
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, stats)
}

// Recent lists the most recently sent records.
func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "MAIL_NOT_CONFIGURED", "mail service not configured", nil)
		return
	}
	rows, err := h.Svc.Recent(r.Context(), common.QueryInt(r, "limit", defaultRecentLimit))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, rows)
}
