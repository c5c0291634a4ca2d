package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/relaycrm/outreach/internal/outreach_service/app"
	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

// ApprovalAPI is the operator workflow served over HTTP.
type ApprovalAPI interface {
	Review(ctx context.Context) ([]app.ReviewItem, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Suggestion, error)
	Drafts(ctx context.Context) ([]*domain.Suggestion, error)
	NeedingReview(ctx context.Context) ([]*domain.Suggestion, error)
	ScheduledBetween(ctx context.Context, from, to time.Time) ([]*domain.Suggestion, error)
	Edit(ctx context.Context, id uuid.UUID, expectedVersion int, edit domain.SuggestionEdit) (*domain.Suggestion, error)
	ApproveBatch(ctx context.Context, reqs []app.ApprovalRequest) []app.ApprovalResult
	Generate(ctx context.Context, contactID uuid.UUID, accountID string) (*domain.Suggestion, error)
	Regenerate(ctx context.Context, id uuid.UUID, expectedVersion int) (*domain.Suggestion, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.Suggestion, error)
	Delete(ctx context.Context, id uuid.UUID) error
	PurgeContact(ctx context.Context, contactID uuid.UUID) (int, error)
}

// Syncer triggers one ingestion pass outside the polling schedule.
type Syncer interface {
	PollOnce(ctx context.Context) error
}

type SuggestionHandler struct {
	approval ApprovalAPI
	syncer   Syncer
	logger   *slog.Logger
	validate *validator.Validate
}

func NewSuggestionHandler(approval ApprovalAPI, syncer Syncer, logger *slog.Logger, validate *validator.Validate) *SuggestionHandler {
	return &SuggestionHandler{
		approval: approval,
		syncer:   syncer,
		logger:   logger.With("component", "suggestion_handler"),
		validate: validate,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponseDTO{Error: msg})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConcurrentModification), errors.Is(err, domain.ErrDuplicatePendingJob),
		errors.Is(err, domain.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrExternalService):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// operatorSubject names the authenticated caller for audit logs.
func operatorSubject(r *http.Request) string {
	if op, ok := OperatorFromContext(r.Context()); ok {
		return op.Subject
	}
	return "anonymous"
}

func (h *SuggestionHandler) fail(w http.ResponseWriter, r *http.Request, err error, operation string) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), operation+" failed", "error", err, "operator", operatorSubject(r))
		if code == http.StatusInternalServerError {
			writeError(w, code, "Internal server error")
			return
		}
	} else {
		h.logger.WarnContext(r.Context(), operation+" rejected", "error", err, "status", code, "operator", operatorSubject(r))
	}
	writeError(w, code, err.Error())
}

func (h *SuggestionHandler) decode(w http.ResponseWriter, r *http.Request, dst any, operation string) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to decode request body", "operation", operation, "error", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.StructCtx(r.Context(), dst); err != nil {
		h.logger.WarnContext(r.Context(), "Validation failed", "operation", operation, "error", err)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Validation error: %s", err.Error()))
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", param))
		return uuid.Nil, false
	}
	return id, true
}

func (h *SuggestionHandler) Review(w http.ResponseWriter, r *http.Request) {
	items, err := h.approval.Review(r.Context())
	if err != nil {
		h.fail(w, r, err, "Review")
		return
	}
	if items == nil {
		items = []app.ReviewItem{}
	}
	writeJSON(w, http.StatusOK, ReviewListDTO{Items: items})
}

func (h *SuggestionHandler) listing(list func(context.Context) ([]*domain.Suggestion, error), operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := list(r.Context())
		if err != nil {
			h.fail(w, r, err, operation)
			return
		}
		if out == nil {
			out = []*domain.Suggestion{}
		}
		writeJSON(w, http.StatusOK, SuggestionListDTO{Suggestions: out})
	}
}

func (h *SuggestionHandler) Drafts(w http.ResponseWriter, r *http.Request) {
	h.listing(h.approval.Drafts, "Drafts")(w, r)
}

func (h *SuggestionHandler) NeedingReview(w http.ResponseWriter, r *http.Request) {
	h.listing(h.approval.NeedingReview, "NeedingReview")(w, r)
}

// Scheduled lists scheduled suggestions with from <= send_at < to. Both
// bounds are RFC 3339; to defaults to from + 7 days.
func (h *SuggestionHandler) Scheduled(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
		return
	}
	to := from.Add(7 * 24 * time.Hour)
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "to must be an RFC 3339 timestamp")
			return
		}
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}
	h.listing(func(ctx context.Context) ([]*domain.Suggestion, error) {
		return h.approval.ScheduledBetween(ctx, from, to)
	}, "Scheduled")(w, r)
}

func (h *SuggestionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "suggestionID")
	if !ok {
		return
	}
	s, err := h.approval.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "Get")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *SuggestionHandler) Edit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "suggestionID")
	if !ok {
		return
	}
	var req EditSuggestionRequestDTO
	if !h.decode(w, r, &req, "Edit") {
		return
	}
	s, err := h.approval.Edit(r.Context(), id, req.ExpectedVersion, req.edit())
	if err != nil {
		h.fail(w, r, err, "Edit")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ApproveBatch always answers 200; each item carries its own outcome.
func (h *SuggestionHandler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	var req ApproveBatchRequestDTO
	if !h.decode(w, r, &req, "ApproveBatch") {
		return
	}

	reqs := make([]app.ApprovalRequest, 0, len(req.Items))
	for _, item := range req.Items {
		ar := app.ApprovalRequest{
			SuggestionID:    uuid.MustParse(item.SuggestionID),
			ExpectedVersion: item.ExpectedVersion,
		}
		if item.Subject != nil || item.Body != nil || item.SendAt != nil {
			ar.Edit = &domain.SuggestionEdit{Subject: item.Subject, Body: item.Body, SendAt: item.SendAt}
		}
		reqs = append(reqs, ar)
	}

	results := h.approval.ApproveBatch(r.Context(), reqs)
	resp := ApproveBatchResponseDTO{Results: make([]ApproveResultDTO, 0, len(results))}
	for _, res := range results {
		dto := ApproveResultDTO{SuggestionID: res.SuggestionID.String(), Suggestion: res.Suggestion}
		if res.Err != nil {
			dto.Status = "failed"
			dto.Error = res.Err.Error()
			dto.ErrorCode = statusFor(res.Err)
			resp.Failed++
		} else {
			dto.Status = "scheduled"
			resp.Scheduled++
		}
		resp.Results = append(resp.Results, dto)
	}
	h.logger.InfoContext(r.Context(), "Batch approval processed", "scheduled", resp.Scheduled, "failed", resp.Failed, "operator", operatorSubject(r))
	writeJSON(w, http.StatusOK, resp)
}

func (h *SuggestionHandler) Generate(w http.ResponseWriter, r *http.Request) {
	contactID, ok := pathUUID(w, r, "contactID")
	if !ok {
		return
	}
	var req GenerateSuggestionRequestDTO
	if r.ContentLength != 0 && !h.decode(w, r, &req, "Generate") {
		return
	}
	s, err := h.approval.Generate(r.Context(), contactID, req.AccountID)
	if err != nil {
		h.fail(w, r, err, "Generate")
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *SuggestionHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "suggestionID")
	if !ok {
		return
	}
	var req VersionedRequestDTO
	if !h.decode(w, r, &req, "Regenerate") {
		return
	}
	s, err := h.approval.Regenerate(r.Context(), id, req.ExpectedVersion)
	if err != nil {
		h.fail(w, r, err, "Regenerate")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *SuggestionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "suggestionID")
	if !ok {
		return
	}
	s, err := h.approval.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "Cancel")
		return
	}
	h.logger.InfoContext(r.Context(), "Suggestion canceled by operator", "suggestion_id", id, "operator", operatorSubject(r))
	writeJSON(w, http.StatusOK, s)
}

func (h *SuggestionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "suggestionID")
	if !ok {
		return
	}
	if err := h.approval.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err, "Delete")
		return
	}
	h.logger.InfoContext(r.Context(), "Suggestion deleted by operator", "suggestion_id", id, "operator", operatorSubject(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *SuggestionHandler) PurgeContact(w http.ResponseWriter, r *http.Request) {
	contactID, ok := pathUUID(w, r, "contactID")
	if !ok {
		return
	}
	n, err := h.approval.PurgeContact(r.Context(), contactID)
	if err != nil {
		h.fail(w, r, err, "PurgeContact")
		return
	}
	h.logger.InfoContext(r.Context(), "Contact purged by operator", "contact_id", contactID, "deleted_suggestions", n, "operator", operatorSubject(r))
	writeJSON(w, http.StatusOK, PurgeContactResponseDTO{ContactID: contactID.String(), DeletedSuggestions: n})
}

func (h *SuggestionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, http.StatusNotImplemented, "Ingestion is not configured")
		return
	}
	if err := h.syncer.PollOnce(r.Context()); err != nil {
		h.fail(w, r, err, "Sync")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
