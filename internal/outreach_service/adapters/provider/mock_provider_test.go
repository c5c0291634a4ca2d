package provider

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	"github.com/relaycrm/outreach/internal/platform/clock"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func newTestProvider() (*MockProvider, *clock.FakeClock) {
	clk := clock.Fake(t0)
	return NewMockProvider(slog.New(slog.NewTextHandler(io.Discard, nil)), clk, 0), clk
}

func TestMockProvider_SendIsIdempotent(t *testing.T) {
	p, _ := newTestProvider()
	ctx := context.Background()
	msg := domain.OutgoingMessage{To: "dana@example.com", Subject: "Hi", Body: "Hello", IdempotencyKey: "k-1"}

	r1, err := p.SendMessage(ctx, "primary", msg)
	require.NoError(t, err)
	r2, err := p.SendMessage(ctx, "primary", msg)
	require.NoError(t, err)

	assert.Equal(t, r1.MessageID, r2.MessageID)
	assert.Equal(t, 2, p.SendCalls())
	assert.Len(t, p.Sent("primary"), 1)
}

func TestMockProvider_FailSends(t *testing.T) {
	p, _ := newTestProvider()
	ctx := context.Background()
	p.FailSends(1)

	_, err := p.SendMessage(ctx, "primary", domain.OutgoingMessage{To: "a@b.c", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrSimulatedFailure)

	_, err = p.SendMessage(ctx, "primary", domain.OutgoingMessage{To: "a@b.c", IdempotencyKey: "k"})
	assert.NoError(t, err)
}

func TestMockProvider_FetchSinceIsInclusive(t *testing.T) {
	p, _ := newTestProvider()
	ctx := context.Background()
	p.Deliver("primary", domain.ProviderMessage{ID: "old", From: "dana@example.com", Timestamp: t0.Add(-time.Hour)})
	p.Deliver("primary", domain.ProviderMessage{ID: "edge", From: "dana@example.com", Timestamp: t0})
	p.Deliver("primary", domain.ProviderMessage{ID: "new", From: "dana@example.com", Timestamp: t0.Add(time.Hour)})

	msgs, err := p.FetchRecentMessages(ctx, "primary", t0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "edge", msgs[0].ID)
	assert.Equal(t, "primary@outreach.local", msgs[0].To)

	p.FailFetches(true)
	_, err = p.FetchRecentMessages(ctx, "primary", t0)
	assert.ErrorIs(t, err, ErrSimulatedFailure)
}
