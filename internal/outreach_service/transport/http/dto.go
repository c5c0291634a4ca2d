package http

import (
	"time"

	"github.com/relaycrm/outreach/internal/outreach_service/app"
	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

// --- Request DTOs ---

// EditSuggestionRequestDTO changes content of a draft or needs_review
// suggestion. Omitted fields are left unchanged.
type EditSuggestionRequestDTO struct {
	ExpectedVersion int        `json:"expected_version" validate:"required,min=1"`
	Subject         *string    `json:"subject,omitempty" validate:"omitempty,min=1,max=300"`
	Body            *string    `json:"body,omitempty" validate:"omitempty,min=1,max=20000"`
	SendAt          *time.Time `json:"send_at,omitempty"`
}

func (d EditSuggestionRequestDTO) edit() domain.SuggestionEdit {
	return domain.SuggestionEdit{Subject: d.Subject, Body: d.Body, SendAt: d.SendAt}
}

// ApproveItemDTO is one entry of a batch approval, with an optional edit.
type ApproveItemDTO struct {
	SuggestionID    string     `json:"suggestion_id" validate:"required,uuid"`
	ExpectedVersion int        `json:"expected_version" validate:"required,min=1"`
	Subject         *string    `json:"subject,omitempty" validate:"omitempty,min=1,max=300"`
	Body            *string    `json:"body,omitempty" validate:"omitempty,min=1,max=20000"`
	SendAt          *time.Time `json:"send_at,omitempty"`
}

type ApproveBatchRequestDTO struct {
	Items []ApproveItemDTO `json:"items" validate:"required,min=1,max=100,dive"`
}

type GenerateSuggestionRequestDTO struct {
	AccountID string `json:"account_id,omitempty" validate:"omitempty,max=100"`
}

type VersionedRequestDTO struct {
	ExpectedVersion int `json:"expected_version" validate:"required,min=1"`
}

// --- Response DTOs ---

type ErrorResponseDTO struct {
	Error string `json:"error"`
}

type SuggestionListDTO struct {
	Suggestions []*domain.Suggestion `json:"suggestions"`
}

type ReviewListDTO struct {
	Items []app.ReviewItem `json:"items"`
}

type ApproveResultDTO struct {
	SuggestionID string             `json:"suggestion_id"`
	Status       string             `json:"status"` // "scheduled" or "failed"
	Suggestion   *domain.Suggestion `json:"suggestion,omitempty"`
	Error        string             `json:"error,omitempty"`
	ErrorCode    int                `json:"error_code,omitempty"`
}

type ApproveBatchResponseDTO struct {
	Results   []ApproveResultDTO `json:"results"`
	Scheduled int                `json:"scheduled"`
	Failed    int                `json:"failed"`
}

type PurgeContactResponseDTO struct {
	ContactID          string `json:"contact_id"`
	DeletedSuggestions int    `json:"deleted_suggestions"`
}
