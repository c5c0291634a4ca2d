package domain

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contact is the subset of a directory entry the engine needs.
type Contact struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	Company         string     `json:"company,omitempty"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
}

// Action is a to-do item for a contact; suggestions address one.
type Action struct {
	ID          uuid.UUID  `json:"id"`
	ContactID   uuid.UUID  `json:"contact_id"`
	Title       string     `json:"title"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NormalizeAddress extracts the bare lower-cased address from forms like
// "Dana Smith <Dana@Example.com>". Unparseable input is trimmed and lowered.
func NormalizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(addr.Address)
	}
	if open := strings.LastIndex(raw, "<"); open >= 0 {
		if end := strings.Index(raw[open:], ">"); end > 0 {
			raw = raw[open+1 : open+end]
		}
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

// SplitAddresses normalizes a comma-separated header value.
func SplitAddresses(header string) []string {
	if list, err := mail.ParseAddressList(header); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	var out []string
	for _, part := range strings.Split(header, ",") {
		if addr := NormalizeAddress(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
