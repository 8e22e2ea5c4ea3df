package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wagechannel/channel-server-go/internal/audit"
	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/repository"
)

// amountScale is the number of decimal places kept for hours and money.
const amountScale = 6

const defaultSessionListLimit = 100

type TrackerConfig struct {
	MaxSessionDuration time.Duration
	MaxDailyHours      decimal.Decimal
	RetryWindow        time.Duration
}

// Tracker records work sessions and is the only component that accrues wages
// into a channel's off-ledger balance.
type Tracker struct {
	store  repository.Store
	events *EventPublisher
	cfg    TrackerConfig
	now    func() time.Time
}

func NewTracker(store repository.Store, events *EventPublisher, cfg TrackerConfig) *Tracker {
	return &Tracker{
		store:  store,
		events: events,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func validateID(field, id string) error {
	if id == "" {
		return apperrors.MissingRequired(field)
	}
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.InvalidInput(field, "must be a UUID")
	}
	return nil
}

func startOfDayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// hoursBetween returns the elapsed hours rounded to amountScale places.
func hoursBetween(from, to time.Time) decimal.Decimal {
	d := to.Sub(from)
	if d < 0 {
		d = 0
	}
	return decimal.NewFromInt(int64(d)).Div(decimal.NewFromInt(int64(time.Hour))).Round(amountScale)
}

// ClockIn opens a work session for the channel's worker. A repeated call
// within the retry window returns the session opened by the first call.
func (t *Tracker) ClockIn(ctx context.Context, actor model.Actor, channelID string) (*model.WorkSession, error) {
	if err := validateID("channelId", channelID); err != nil {
		return nil, err
	}

	now := t.now()
	var session *model.WorkSession
	var created bool

	err := t.store.RunInTx(ctx, func(r repository.Repositories) error {
		ch, err := r.Channels.FindByIDForUpdate(ctx, channelID)
		if err != nil {
			return apperrors.Database(err)
		}
		if ch == nil {
			return apperrors.ChannelNotFound()
		}
		if ch.WorkerID != actor.ID {
			return apperrors.Forbidden("Only the channel's worker can clock in")
		}
		if ch.State != model.ChannelStateActive {
			return apperrors.ChannelNotActive()
		}

		open, err := r.Sessions.FindOpen(ctx, actor.ID, ch.ID)
		if err != nil {
			return apperrors.Database(err)
		}
		if open != nil {
			if now.Sub(open.ClockInAt) <= t.cfg.RetryWindow {
				session = open
				return nil
			}
			return apperrors.SessionAlreadyOpen()
		}

		if ch.RemainingEscrow().LessThan(ch.HourlyRate) {
			return apperrors.InsufficientEscrow()
		}

		worked, err := r.Sessions.SumClosedHoursSince(ctx, actor.ID, startOfDayUTC(now))
		if err != nil {
			return apperrors.Database(err)
		}
		// Sessions have positive length, so with no allowance left any new
		// session would exceed the daily limit.
		remaining := t.cfg.MaxDailyHours.Sub(worked)
		if !remaining.IsPositive() {
			return apperrors.DailyLimitExceeded().WithDetails(map[string]string{
				"workedToday":    worked.String(),
				"limit":          t.cfg.MaxDailyHours.String(),
				"remainingToday": "0",
			})
		}

		s, err := r.Sessions.Create(ctx, model.CreateWorkSessionParams{
			ID:         uuid.NewString(),
			ChannelID:  ch.ID,
			WorkerID:   actor.ID,
			HourlyRate: ch.HourlyRate,
			ClockInAt:  now,
		})
		if errors.Is(err, repository.ErrConflict) {
			return apperrors.SessionAlreadyOpen()
		}
		if err != nil {
			return apperrors.Database(err)
		}
		session, created = s, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventClockIn,
			ActorID:   actor.ID,
			ChannelID: channelID,
			Details:   map[string]interface{}{"sessionId": session.ID},
		})
	}

	return session, nil
}

// ClockOut completes an open session and accrues its earnings in the same
// transaction. Of two concurrent calls exactly one succeeds.
func (t *Tracker) ClockOut(ctx context.Context, actor model.Actor, sessionID string) (*model.WorkSession, error) {
	if err := validateID("sessionId", sessionID); err != nil {
		return nil, err
	}

	pre, err := t.store.Repositories().Sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if pre == nil {
		return nil, apperrors.SessionNotFound()
	}
	if pre.WorkerID != actor.ID {
		return nil, apperrors.Forbidden("Only the session's worker can clock out")
	}

	now := t.now()
	var done *model.WorkSession
	var ch *model.Channel
	var capped bool

	err = t.store.RunInTx(ctx, func(r repository.Repositories) error {
		// Channel first, then session: the same order closure and sweep use.
		locked, err := r.Channels.FindByIDForUpdate(ctx, pre.ChannelID)
		if err != nil {
			return apperrors.Database(err)
		}
		if locked == nil {
			return apperrors.ChannelNotFound()
		}

		s, err := r.Sessions.FindByIDForUpdate(ctx, sessionID)
		if err != nil {
			return apperrors.Database(err)
		}
		if s == nil {
			return apperrors.SessionNotFound()
		}
		if s.Status != model.SessionStatusOpen {
			return apperrors.SessionNotOpen()
		}

		done, capped, err = t.closeSession(ctx, r, locked, s, now, model.SessionStatusCompleted)
		ch = locked
		return err
	})
	if err != nil {
		return nil, err
	}

	t.recordClosed(ctx, ch, done, capped, audit.EventClockOut)
	return done, nil
}

// closeSession finishes s at clockOut and accrues its earnings onto ch. Earnings
// are capped at the remaining escrow; ch is updated in place so several
// sessions can be closed against it in one transaction.
func (t *Tracker) closeSession(
	ctx context.Context,
	r repository.Repositories,
	ch *model.Channel,
	s *model.WorkSession,
	clockOut time.Time,
	status model.SessionStatus,
) (*model.WorkSession, bool, error) {
	if clockOut.Before(s.ClockInAt) {
		clockOut = s.ClockInAt
	}

	hours := hoursBetween(s.ClockInAt, clockOut)
	earnings := hours.Mul(s.HourlyRate).Round(amountScale)
	capped := false
	if remaining := ch.RemainingEscrow(); earnings.GreaterThan(remaining) {
		earnings = remaining
		capped = true
	}

	done, err := r.Sessions.Complete(ctx, model.CompleteWorkSessionParams{
		SessionID:  s.ID,
		ClockOutAt: clockOut,
		Hours:      hours,
		Earnings:   earnings,
		Status:     status,
	})
	if err != nil {
		return nil, false, apperrors.Database(err)
	}
	if done == nil {
		return nil, false, apperrors.SessionNotOpen()
	}

	if earnings.IsPositive() || hours.IsPositive() {
		if err := r.Accruals.AddAccrual(ctx, ch.ID, earnings, hours); err != nil {
			if apperrors.IsAppError(err) {
				log.Error().Err(err).Str("channelId", ch.ID).Str("sessionId", s.ID).Msg("accrual rejected")
				return nil, false, err
			}
			return nil, false, apperrors.Database(err)
		}
		ch.OffLedgerBalance = ch.OffLedgerBalance.Add(earnings)
		ch.AccruedHours = ch.AccruedHours.Add(hours)
	}

	return done, capped, nil
}

func (t *Tracker) recordClosed(ctx context.Context, ch *model.Channel, s *model.WorkSession, capped bool, eventType audit.EventType) {
	details := map[string]interface{}{
		"sessionId": s.ID,
		"hours":     s.Hours.String(),
		"earnings":  s.Earnings.String(),
	}
	audit.Log(ctx, audit.Event{
		Type:      eventType,
		ActorID:   s.WorkerID,
		ChannelID: s.ChannelID,
		Details:   details,
	})
	if capped {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventEarningsCapped,
			ActorID:   s.WorkerID,
			ChannelID: s.ChannelID,
			Details:   details,
		})
	}
	t.events.Publish(ctx, EventSessionCompleted, ch, s)
}

// CompleteOpenSessions closes every open session of ch at the given instant,
// inside the caller's transaction. It runs just before a channel leaves
// Active so no accrued time is lost.
func (t *Tracker) CompleteOpenSessions(ctx context.Context, r repository.Repositories, ch *model.Channel, at time.Time) ([]model.WorkSession, error) {
	open, err := r.Sessions.ListOpenByChannel(ctx, ch.ID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	var closed []model.WorkSession
	for i := range open {
		s := &open[i]
		clockOut, status := at, model.SessionStatusCompleted
		if boundary := s.ClockInAt.Add(t.cfg.MaxSessionDuration); boundary.Before(at) {
			clockOut, status = boundary, model.SessionStatusTimedOut
		}
		done, _, err := t.closeSession(ctx, r, ch, s, clockOut, status)
		if err != nil {
			return nil, err
		}
		closed = append(closed, *done)
	}
	return closed, nil
}

// SweepTimedOutSessions closes sessions left open past the maximum duration,
// using the timeout boundary as the clock-out time. It returns how many
// sessions were closed.
func (t *Tracker) SweepTimedOutSessions(ctx context.Context) (int, error) {
	cutoff := t.now().Add(-t.cfg.MaxSessionDuration)
	stale, err := t.store.Repositories().Sessions.ListOpenStartedBefore(ctx, cutoff)
	if err != nil {
		return 0, apperrors.Database(err)
	}

	swept := 0
	for _, candidate := range stale {
		var done *model.WorkSession
		var ch *model.Channel
		var capped bool

		err := t.store.RunInTx(ctx, func(r repository.Repositories) error {
			locked, err := r.Channels.FindByIDForUpdate(ctx, candidate.ChannelID)
			if err != nil {
				return apperrors.Database(err)
			}
			s, err := r.Sessions.FindByIDForUpdate(ctx, candidate.ID)
			if err != nil {
				return apperrors.Database(err)
			}
			if locked == nil || s == nil || s.Status != model.SessionStatusOpen {
				return nil
			}
			ch = locked
			done, capped, err = t.closeSession(ctx, r, locked, s, s.ClockInAt.Add(t.cfg.MaxSessionDuration), model.SessionStatusTimedOut)
			return err
		})
		if err != nil {
			log.Error().Err(err).Str("sessionId", candidate.ID).Msg("failed to time out session")
			continue
		}
		if done != nil {
			swept++
			t.recordClosed(ctx, ch, done, capped, audit.EventSessionTimedOut)
		}
	}

	if swept > 0 {
		log.Info().Int("swept", swept).Msg("timed out work sessions")
	}
	return swept, nil
}

// ListSessions returns the newest sessions of a channel to either party.
func (t *Tracker) ListSessions(ctx context.Context, actor model.Actor, channelID string, limit int) ([]model.WorkSession, error) {
	if err := validateID("channelId", channelID); err != nil {
		return nil, err
	}
	repos := t.store.Repositories()
	if _, err := loadForParty(ctx, repos, actor, channelID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > defaultSessionListLimit {
		limit = defaultSessionListLimit
	}

	sessions, err := repos.Sessions.ListByChannel(ctx, channelID, limit)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if sessions == nil {
		sessions = []model.WorkSession{}
	}
	return sessions, nil
}

// loadForParty reads a channel visible to actor. Channels of other parties are
// reported as not found.
func loadForParty(ctx context.Context, repos repository.Repositories, actor model.Actor, channelID string) (*model.Channel, error) {
	ch, err := repos.Channels.FindByID(ctx, channelID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if ch == nil || !ch.IsParty(actor.ID) {
		return nil, apperrors.ChannelNotFound()
	}
	return ch, nil
}
