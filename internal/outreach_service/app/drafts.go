package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	"github.com/relaycrm/outreach/internal/platform/clock"
)

const (
	defaultSubject        = "Follow up"
	defaultBody           = "Just checking in."
	defaultRationale      = "Suggested by heuristic"
	fallbackRationale     = "Generated with fallback template"
	promptHistoryLimit    = 5
	fallbackTemplateBody  = "Hi %s,\n\nI hope you're doing well. I wanted to follow up regarding %s.\n\nBest,\n%s"
	fallbackActionNoTitle = "our recent conversation"
)

// DraftConfig holds configuration specific to the DraftGenerator.
type DraftConfig struct {
	SenderName   string
	DefaultDelay time.Duration // Send time offset when the action has no due date
	Timeout      time.Duration // Bound on the completer call
}

// DraftGenerator produces suggestion content for a contact. With a
// TextCompleter it asks for AI text built from recent history; without one,
// or when the completer fails, it falls back to a fixed template.
type DraftGenerator struct {
	completer domain.TextCompleter
	clock     clock.Clock
	logger    *slog.Logger
	cfg       DraftConfig
}

func NewDraftGenerator(completer domain.TextCompleter, clk clock.Clock, logger *slog.Logger, cfg DraftConfig) *DraftGenerator {
	if cfg.SenderName == "" {
		cfg.SenderName = "Your Name"
	}
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = 48 * time.Hour
	}
	return &DraftGenerator{
		completer: completer,
		clock:     clk,
		logger:    logger.With("component", "draft_generator"),
		cfg:       cfg,
	}
}

// Generate drafts content for contact addressing action (which may be nil).
// history is newest first.
func (g *DraftGenerator) Generate(ctx context.Context, contact *domain.Contact, action *domain.Action, history []*domain.ActivityEvent) domain.Draft {
	sendAt := g.clock.Now().Add(g.cfg.DefaultDelay)
	if action != nil && action.DueDate != nil {
		sendAt = *action.DueDate
	}

	if g.completer != nil {
		text, err := g.complete(ctx, buildPrompt(contact, action, history))
		if err == nil {
			subject, body, rationale := parseCompletion(text)
			return domain.Draft{Subject: subject, Body: body, Rationale: rationale, SendAt: &sendAt, Provenance: domain.ProvenanceAIGenerated}
		}
		g.logger.WarnContext(ctx, "Text completer failed; using fallback template", "error", err, "contact_id", contact.ID)
	}

	subject, body := fallbackDraft(contact, action, g.cfg.SenderName)
	return domain.Draft{Subject: subject, Body: body, Rationale: fallbackRationale, SendAt: &sendAt, Provenance: domain.ProvenanceTemplated}
}

func (g *DraftGenerator) complete(ctx context.Context, prompt string) (string, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	text, err := g.completer.Complete(ctx, prompt)
	if err != nil {
		return "", domain.External("complete draft", err)
	}
	return text, nil
}

func buildPrompt(contact *domain.Contact, action *domain.Action, history []*domain.ActivityEvent) string {
	var lines []string
	for i, ev := range history {
		if i == promptHistoryLimit {
			break
		}
		who := "From you"
		if ev.Direction == domain.DirectionInbound {
			who = "From contact"
		}
		snippet := ev.Snippet
		if snippet == "" {
			snippet = "(no snippet)"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", who, snippet))
	}
	historyText := "No prior messages available."
	if len(lines) > 0 {
		historyText = strings.Join(lines, "\n")
	}
	actionText := "follow up"
	if action != nil {
		actionText = action.Title
	}

	var b strings.Builder
	b.WriteString("You are an assistant helping craft concise follow-up emails for a CRM.\n")
	fmt.Fprintf(&b, "Contact name: %s\n", contact.Name)
	fmt.Fprintf(&b, "Company: %s\n", contact.Company)
	fmt.Fprintf(&b, "Pending action: %s\n", actionText)
	fmt.Fprintf(&b, "History:\n%s\n", historyText)
	b.WriteString("Write a subject line and a short body.\n")
	b.WriteString("Respond in the format: Subject: <subject line>\nBody:\n<body>\nRationale: <one sentence>.")
	return b.String()
}

// parseCompletion reads "Subject:" and "Rationale:" lines; everything else
// except a bare "Body:" label is body text.
func parseCompletion(text string) (subject, body, rationale string) {
	subject, rationale = defaultSubject, defaultRationale
	var bodyLines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		lower := strings.ToLower(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(lower, "subject:"):
			if v := afterColon(line); v != "" {
				subject = v
			}
		case strings.HasPrefix(lower, "rationale:"):
			if v := afterColon(line); v != "" {
				rationale = v
			}
		case strings.HasPrefix(lower, "body:"):
			if v := afterColon(line); v != "" {
				bodyLines = append(bodyLines, v)
			}
		case strings.TrimSpace(line) != "":
			bodyLines = append(bodyLines, line)
		}
	}
	body = strings.Join(bodyLines, "\n")
	if body == "" {
		body = defaultBody
	}
	return subject, body, rationale
}

func afterColon(line string) string {
	_, v, _ := strings.Cut(line, ":")
	return strings.TrimSpace(v)
}

func fallbackDraft(contact *domain.Contact, action *domain.Action, sender string) (subject, body string) {
	topic := fallbackActionNoTitle
	subject = "Checking in with " + contact.Name
	if action != nil {
		topic = action.Title
		subject = "Checking in about " + action.Title
	}
	return subject, fmt.Sprintf(fallbackTemplateBody, contact.Name, topic, sender)
}
