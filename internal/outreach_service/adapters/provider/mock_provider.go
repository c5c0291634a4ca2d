package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	"github.com/relaycrm/outreach/internal/platform/clock"
)

var _ domain.MessageProvider = (*MockProvider)(nil)

// ErrSimulatedFailure is returned for injected failures.
var ErrSimulatedFailure = errors.New("mock provider simulated failure")

// MockProvider is a simulated mail provider for development and tests. It
// keeps one mailbox per account: Deliver injects inbound mail and
// SendMessage appends outbound mail, deduplicated by idempotency key.
type MockProvider struct {
	logger   *slog.Logger
	clock    clock.Clock
	failRate float64 // Chance to simulate a send failure (0.0 to 1.0)

	mu         sync.Mutex
	mailboxes  map[string][]domain.ProviderMessage
	sentByKey  map[string]*domain.DeliveryReceipt
	sendCalls  int
	failSends  int // Remaining forced send failures; -1 means always
	failFetch  bool
	addressFor func(account string) string
}

// NewMockProvider creates a new MockProvider.
func NewMockProvider(logger *slog.Logger, clk clock.Clock, failRate float64) *MockProvider {
	return &MockProvider{
		logger:     logger.With("provider", "mock"),
		clock:      clk,
		failRate:   failRate,
		mailboxes:  make(map[string][]domain.ProviderMessage),
		sentByKey:  make(map[string]*domain.DeliveryReceipt),
		addressFor: func(account string) string { return account + "@outreach.local" },
	}
}

// Deliver places an inbound message in the account's mailbox.
func (p *MockProvider) Deliver(account string, msg domain.ProviderMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.To == "" {
		msg.To = p.addressFor(account)
	}
	p.mailboxes[account] = append(p.mailboxes[account], msg)
}

// FailSends forces the next n sends to fail; n < 0 fails every send.
func (p *MockProvider) FailSends(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSends = n
}

// FailFetches toggles fetch failures.
func (p *MockProvider) FailFetches(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFetch = fail
}

// SendCalls returns how many times SendMessage was called.
func (p *MockProvider) SendCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendCalls
}

// Sent returns the distinct messages delivered from account.
func (p *MockProvider) Sent(account string) []domain.ProviderMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	from := p.addressFor(account)
	var out []domain.ProviderMessage
	for _, m := range p.mailboxes[account] {
		if m.From == from {
			out = append(out, m)
		}
	}
	return out
}

func (p *MockProvider) FetchRecentMessages(ctx context.Context, accountID string, since time.Time) ([]domain.ProviderMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.failFetch {
		p.logger.WarnContext(ctx, "MockProvider: simulated fetch failure", "account", accountID)
		return nil, fmt.Errorf("fetch %s: %w", accountID, ErrSimulatedFailure)
	}
	var out []domain.ProviderMessage
	for _, m := range p.mailboxes[accountID] {
		if !m.Timestamp.Before(since) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b domain.ProviderMessage) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}

func (p *MockProvider) SendMessage(ctx context.Context, accountID string, msg domain.OutgoingMessage) (*domain.DeliveryReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendCalls++

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.IdempotencyKey != "" {
		if receipt, ok := p.sentByKey[msg.IdempotencyKey]; ok {
			p.logger.InfoContext(ctx, "MockProvider: duplicate send suppressed", "idempotency_key", msg.IdempotencyKey)
			c := *receipt
			return &c, nil
		}
	}
	if p.failSends != 0 || (p.failRate > 0 && rand.Float64() < p.failRate) {
		if p.failSends > 0 {
			p.failSends--
		}
		p.logger.WarnContext(ctx, "MockProvider: simulated send failure", "recipient", msg.To)
		return nil, fmt.Errorf("send to %s: %w", msg.To, ErrSimulatedFailure)
	}

	id := msg.IdempotencyKey
	if id == "" {
		id = "mock-" + uuid.NewString()
	}
	now := p.clock.Now()
	p.mailboxes[accountID] = append(p.mailboxes[accountID], domain.ProviderMessage{
		ID:        id,
		From:      p.addressFor(accountID),
		To:        msg.To,
		Subject:   msg.Subject,
		Snippet:   msg.Body,
		Timestamp: now,
	})
	receipt := &domain.DeliveryReceipt{MessageID: id, SentAt: now}
	if msg.IdempotencyKey != "" {
		p.sentByKey[msg.IdempotencyKey] = receipt
	}
	p.logger.InfoContext(ctx, "MockProvider: message sent (simulated)", "recipient", msg.To, "provider_message_id", id)
	c := *receipt
	return &c, nil
}
