package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wagechannel/channel-server-go/internal/ledger/ledgertest"
	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/repository/memory"
	"github.com/wagechannel/channel-server-go/internal/sse"
)

var (
	sponsor  = model.Actor{ID: "sponsor-1", Role: model.RoleSponsor}
	worker   = model.Actor{ID: "worker-1", Role: model.RoleWorker}
	outsider = model.Actor{ID: "outsider-1", Role: model.RoleSponsor}
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	actorID string
	event   sse.Event
}

type recordingSink struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (s *recordingSink) Publish(ctx context.Context, actorID string, event sse.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, publishedEvent{actorID: actorID, event: event})
	return nil
}

// types returns the event types delivered to actorID, in order.
func (s *recordingSink) types(actorID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.actorID == actorID {
			out = append(out, e.event.Type)
		}
	}
	return out
}

type fixture struct {
	store      *memory.Store
	ledger     *ledgertest.Fake
	sink       *recordingSink
	clock      *testClock
	tracker    *Tracker
	channels   *ChannelService
	negotiator *Negotiator
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:  memory.NewStore(),
		ledger: ledgertest.NewFake(),
		sink:   &recordingSink{},
		clock:  &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	events := NewEventPublisher(f.sink)

	f.tracker = NewTracker(f.store, events, TrackerConfig{
		MaxSessionDuration: 12 * time.Hour,
		MaxDailyHours:      decimal.NewFromInt(16),
		RetryWindow:        10 * time.Second,
	})
	f.tracker.now = f.clock.Now

	f.channels = NewChannelService(f.store, f.ledger, events, ChannelConfig{
		Lifetime:          720 * time.Hour,
		ActivationTimeout: 30 * time.Minute,
	})
	f.channels.now = f.clock.Now

	f.negotiator = NewNegotiator(f.store, f.ledger, f.tracker, events, NegotiatorConfig{
		ClosingExpiryWindow: 72 * time.Hour,
		VerifyAttempts:      3,
		VerifyInterval:      2 * time.Second,
	})
	f.negotiator.now = f.clock.Now
	f.negotiator.sleep = func(ctx context.Context, d time.Duration) error {
		f.clock.Advance(d)
		return ctx.Err()
	}

	f.reconciler = NewReconciler(f.store.Repositories(), f.ledger, f.negotiator, f.channels, ReconcilerConfig{
		Tolerance:   dec("0.000001"),
		Concurrency: 4,
	})
	f.reconciler.now = f.clock.Now

	return f
}

// activeChannel creates and confirms a channel between sponsor and worker.
func (f *fixture) activeChannel(t *testing.T, rate, escrow string) *model.Channel {
	t.Helper()
	ctx := context.Background()

	draft, err := f.channels.CreateChannel(ctx, sponsor, CreateChannelInput{
		WorkerID:     worker.ID,
		HourlyRate:   dec(rate),
		EscrowAmount: dec(escrow),
	})
	require.NoError(t, err)

	ledgerID := "ledger-" + draft.ID
	f.ledger.SetChannel(ledgerID, decimal.Zero)

	ch, err := f.channels.ConfirmChannel(ctx, sponsor, draft.ID, ledgerID)
	require.NoError(t, err)
	require.Equal(t, model.ChannelStateActive, ch.State)
	return ch
}

// work clocks the worker in, advances the clock by d and clocks out.
func (f *fixture) work(t *testing.T, channelID string, d time.Duration) *model.WorkSession {
	t.Helper()
	ctx := context.Background()

	s, err := f.tracker.ClockIn(ctx, worker, channelID)
	require.NoError(t, err)
	f.clock.Advance(d)
	done, err := f.tracker.ClockOut(ctx, worker, s.ID)
	require.NoError(t, err)
	return done
}

func (f *fixture) channel(t *testing.T, id string) *model.Channel {
	t.Helper()
	ch, err := f.store.Repositories().Channels.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, ch)
	return ch
}
