package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/outreach/internal/outreach_service/adapters/contacts"
	"github.com/relaycrm/outreach/internal/outreach_service/adapters/provider"
	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	"github.com/relaycrm/outreach/internal/outreach_service/repository/memory"
	"github.com/relaycrm/outreach/internal/platform/clock"
)

const testAccount = "primary"

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *clock.FakeClock
	provider  *provider.MockProvider
	directory *contacts.MemoryDirectory
	publisher *recordingPublisher
	repos     Repositories
	jobs      *memory.JobRepository
	activity  *memory.ActivityRepository
	engine    *Engine
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		Scheduler: SchedulerConfig{PollInterval: 30 * time.Second, BatchSize: 2},
		Send: SendConfig{
			MaxAttempts:   3,
			BackoffBase:   time.Minute,
			BackoffMax:    10 * time.Minute,
			FollowUpDelay: 14 * 24 * time.Hour,
			Timeout:       5 * time.Second,
		},
		Correlator:     CorrelatorConfig{Accounts: []string{testAccount}, PollInterval: time.Minute, Timeout: 5 * time.Second},
		Drafts:         DraftConfig{SenderName: "Sam", DefaultDelay: 48 * time.Hour},
		DefaultAccount: testAccount,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.Fake(t0)
	logger := discardLogger()
	jobs := memory.NewJobRepository()
	activity := memory.NewActivityRepository()
	repos := Repositories{
		Suggestions: memory.NewSuggestionRepository(),
		Jobs:        jobs,
		Activity:    activity,
		Watermarks:  memory.NewWatermarkRepository(),
	}
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     clk,
		provider:  provider.NewMockProvider(logger, clk, 0),
		directory: contacts.NewMemoryDirectory(),
		publisher: &recordingPublisher{},
		repos:     repos,
		jobs:      jobs,
		activity:  activity,
	}
	h.engine = NewEngine(repos, Collaborators{
		Provider:  h.provider,
		Contacts:  h.directory,
		Publisher: h.publisher,
	}, clk, logger, testEngineConfig())
	return h
}

// contactWithAction adds a contact and an open action due at due.
func (h *harness) contactWithAction(name, email string, due time.Time) (*domain.Contact, *domain.Action) {
	c := h.directory.AddContact(domain.Contact{Name: name, Email: email, Company: "Acme"})
	a := h.directory.AddAction(c.ID, "Send proposal", &due)
	return c, a
}

// draft generates a suggestion for the contact's pending action.
func (h *harness) draft(contactID uuid.UUID) *domain.Suggestion {
	h.t.Helper()
	s, err := h.engine.Approval.Generate(h.ctx, contactID, "")
	require.NoError(h.t, err)
	return s
}

// schedule approves s through the batch workflow.
func (h *harness) schedule(s *domain.Suggestion) *domain.Suggestion {
	h.t.Helper()
	res := h.engine.Approval.ApproveBatch(h.ctx, []ApprovalRequest{{SuggestionID: s.ID, ExpectedVersion: s.Version}})
	require.Len(h.t, res, 1)
	require.NoError(h.t, res[0].Err)
	require.Equal(h.t, domain.StateScheduled, res[0].Suggestion.State)
	return res[0].Suggestion
}

func (h *harness) get(id uuid.UUID) *domain.Suggestion {
	h.t.Helper()
	s, err := h.engine.Store.Get(h.ctx, id)
	require.NoError(h.t, err)
	return s
}

func (h *harness) job(id uuid.UUID) *domain.Job {
	h.t.Helper()
	j, err := h.jobs.GetByID(h.ctx, id)
	require.NoError(h.t, err)
	return j
}

// inbound places a message from the contact in the mailbox.
func (h *harness) inbound(from, subject string, at time.Time) string {
	id := uuid.NewString()
	h.provider.Deliver(testAccount, domain.ProviderMessage{ID: id, From: from, Subject: subject, Snippet: subject, Timestamp: at})
	return id
}

// requireScheduledInvariant checks scheduled <=> exactly one pending job.
func (h *harness) requireScheduledInvariant(id uuid.UUID) {
	h.t.Helper()
	s := h.get(id)
	jobs, err := h.jobs.ListBySuggestion(h.ctx, id)
	require.NoError(h.t, err)
	pending := 0
	for _, j := range jobs {
		if j.Status == domain.JobPending {
			pending++
		}
	}
	if s.State == domain.StateScheduled {
		require.Equal(h.t, 1, pending, "scheduled suggestion must have exactly one pending job")
		require.NotNil(h.t, s.JobID)
		require.Equal(h.t, domain.JobPending, h.job(*s.JobID).Status)
	} else {
		require.Zero(h.t, pending, "non-scheduled suggestion must have no pending job")
	}
}

func (h *harness) outboundCount(contactID uuid.UUID) int {
	h.t.Helper()
	events, err := h.activity.ListByContact(h.ctx, contactID, 0)
	require.NoError(h.t, err)
	n := 0
	for _, ev := range events {
		if ev.Direction == domain.DirectionOutbound {
			n++
		}
	}
	return n
}
