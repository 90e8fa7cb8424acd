package campaign

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/common"
	"github.com/noah-isme/mailtrack/internal/generator"
	"github.com/noah-isme/mailtrack/internal/lock"
)

const maxBatchRows = 1000

// Handler exposes the send endpoints.
type Handler struct {
	Sender *Sender
}

// GenerateRequest is a brief for which copy is generated.
type GenerateRequest struct {
	RecipientName  string `json:"recipientName" validate:"required,max=200"`
	Company        string `json:"company" validate:"required,max=200"`
	Purpose        string `json:"purpose" validate:"required,max=1000"`
	AdditionalInfo string `json:"additionalInfo" validate:"max=4000"`
}

// BatchRequest carries rows for a bulk generated send.
type BatchRequest struct {
	Rows []SingleInput `json:"rows" validate:"required,min=1,dive"`
}

type sendResponse struct {
	Token    string `json:"token"`
	PixelURL string `json:"pixelUrl"`
	Message  string `json:"message"`
}

// Send records caller supplied copy and returns its tracking token.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var in TrackInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	token, err := h.Sender.Track(r.Context(), in)
	if err != nil {
		abtest.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, sendResponse{Token: token, PixelURL: PixelURL(h.Sender.PublicBaseURL, token), Message: "Email sent and tracked"})
}

// Generate returns copy for a brief without sending anything.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var in GenerateRequest
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	content, err := h.Sender.Generate(r.Context(), generator.Params(in))
	if err != nil {
		abtest.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, content)
}

// SendGenerated generates copy for one recipient and records it.
func (h *Handler) SendGenerated(w http.ResponseWriter, r *http.Request) {
	var in SingleInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	if details := briefDetails(in.Params, ""); len(details) > 0 {
		common.WriteError(w, common.Validation("request validation failed", details))
		return
	}
	token, err := h.Sender.SendSingle(r.Context(), in)
	if err != nil {
		abtest.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, sendResponse{Token: token, PixelURL: PixelURL(h.Sender.PublicBaseURL, token), Message: "Email generated and tracked"})
}

// SendBulk generates and records copy for every row.
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	var in BatchRequest
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	if len(in.Rows) > maxBatchRows {
		common.WriteError(w, common.Validation("request validation failed", map[string]string{"rows": "max"}))
		return
	}
	details := map[string]string{}
	for i, row := range in.Rows {
		for k, v := range briefDetails(row.Params, "rows["+strconv.Itoa(i)+"].") {
			details[k] = v
		}
	}
	if len(details) > 0 {
		common.WriteError(w, common.Validation("request validation failed", details))
		return
	}
	common.JSON(w, http.StatusOK, h.Sender.SendBatch(r.Context(), in.Rows))
}

// SendExperiment sends an experiment to all of its prospects.
func (h *Handler) SendExperiment(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Sender.SendExperiment(r.Context(), chi.URLParam(r, "experimentId"))
	if err != nil {
		writeExperimentError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, summary)
}

// Reconcile recomputes an experiment's counters from its records.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	exp, err := h.Sender.Reconcile(r.Context(), chi.URLParam(r, "experimentId"))
	if err != nil {
		writeExperimentError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, exp)
}

func writeExperimentError(w http.ResponseWriter, err error) {
	if errors.Is(err, lock.ErrBusy) {
		common.JSONError(w, http.StatusConflict, "EXPERIMENT_BUSY", "experiment is being processed", nil)
		return
	}
	abtest.WriteError(w, err)
}

func briefDetails(p generator.Params, prefix string) map[string]string {
	details := map[string]string{}
	if strings.TrimSpace(p.Company) == "" {
		details[prefix+"company"] = "required"
	}
	if strings.TrimSpace(p.Purpose) == "" {
		details[prefix+"purpose"] = "required"
	}
	return details
}
