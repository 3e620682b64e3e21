package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/automation"
	"github.com/lalithlochan/officina/internal/emailqueue"
	"github.com/lalithlochan/officina/internal/notify"
)

// QueueProcessor runs one pass over the email queue.
type QueueProcessor interface {
	Run(ctx context.Context) (emailqueue.Summary, error)
}

// Enroller schedules campaign steps for leads.
type Enroller interface {
	Enroll(ctx context.Context, leadIDs []uuid.UUID, campaignID uuid.UUID) (int, error)
}

// Dispatcher fans an event out to its subscribers.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event) ([]notify.RecipientResult, error)
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type ProcessResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Processed int    `json:"processed"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
}

type EnrollRequest struct {
	LeadIDs    []string `json:"leadIds" validate:"required,min=1,dive,uuid"`
	CampaignID string   `json:"campaignId" validate:"required,uuid"`
}

type EnrollResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	ExecutionsCreated int    `json:"executionsCreated"`
}

type NotifyResponse struct {
	Success bool                     `json:"success"`
	Results []notify.RecipientResult `json:"results"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	processor  QueueProcessor
	enroller   Enroller
	dispatcher Dispatcher
	validate   *validator.Validate
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, processor QueueProcessor, enroller Enroller, dispatcher Dispatcher) *Handler {
	return &Handler{
		logger:     logger,
		processor:  processor,
		enroller:   enroller,
		dispatcher: dispatcher,
		validate:   validator.New(),
	}
}

// ProcessEmailQueue handles POST /v1/email-queue/process
func (h *Handler) ProcessEmailQueue(w http.ResponseWriter, r *http.Request) {
	summary, err := h.processor.Run(r.Context())
	if err != nil {
		h.logger.Error("email queue run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, ProcessResponse{
		Success:   true,
		Message:   fmt.Sprintf("Processate %d email", summary.Processed),
		Processed: summary.Processed,
		Sent:      summary.Sent,
		Failed:    summary.Failed,
	})
}

// EnrollLeads handles POST /v1/automations/enroll
func (h *Handler) EnrollLeads(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	leadIDs := make([]uuid.UUID, 0, len(req.LeadIDs))
	for _, s := range req.LeadIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "leadIds must contain valid UUIDs")
			return
		}
		leadIDs = append(leadIDs, id)
	}
	campaignID, err := uuid.Parse(req.CampaignID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "campaignId must be a valid UUID")
		return
	}

	created, err := h.enroller.Enroll(r.Context(), leadIDs, campaignID)
	if err != nil {
		if errors.Is(err, automation.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("enrollment failed",
			zap.String("campaign_id", req.CampaignID),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, EnrollResponse{
		Success:           true,
		Message:           fmt.Sprintf("Iscritti %d lead, %d esecuzioni create", len(leadIDs), created),
		ExecutionsCreated: created,
	})
}

// Notify returns the handler for POST /v1/notify/{eventType}.
func (h *Handler) Notify(eventType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, http.StatusBadRequest, "malformed JSON body")
			return
		}

		ev, err := notify.NewEvent(eventType, payload)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		results, err := h.dispatcher.Dispatch(r.Context(), ev)
		if err != nil {
			if errors.Is(err, notify.ErrUnknownEvent) {
				h.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			h.logger.Error("notification dispatch failed",
				zap.String("event", eventType),
				zap.Error(err),
			)
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		h.writeJSON(w, http.StatusOK, NotifyResponse{Success: true, Results: results})
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := jsonField(fe.StructField())
		switch fe.Tag() {
		case "required", "min":
			msgs = append(msgs, field+" is required")
		case "uuid":
			msgs = append(msgs, field+" must be a valid UUID")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

func jsonField(structField string) string {
	name, _, _ := strings.Cut(structField, "[")
	switch name {
	case "LeadIDs":
		return "leadIds"
	case "CampaignID":
		return "campaignId"
	default:
		return name
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Success: false, Error: msg})
}
