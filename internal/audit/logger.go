package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventChannelCreated    EventType = "channel_created"
	EventChannelActivated  EventType = "channel_activated"
	EventChannelDiscarded  EventType = "channel_discarded"
	EventClockIn           EventType = "clock_in"
	EventClockOut          EventType = "clock_out"
	EventSessionTimedOut   EventType = "session_timed_out"
	EventEarningsCapped    EventType = "earnings_capped"
	EventClosureRequested  EventType = "closure_requested"
	EventClosureApproved   EventType = "closure_approved"
	EventClosureRejected   EventType = "closure_rejected"
	EventClosureCancelled  EventType = "closure_cancelled"
	EventSettlementSubmit  EventType = "settlement_submitted"
	EventChannelClosed     EventType = "channel_closed"
	EventClosureRolledBack EventType = "closure_rolled_back"
	EventChannelExpired    EventType = "channel_expired"
	EventDiscrepancyFound  EventType = "discrepancy_detected"
	EventAuthFailure       EventType = "auth_failure"
	EventRateLimitExceed   EventType = "rate_limit_exceeded"
)

type Event struct {
	Type      EventType
	ActorID   string
	ChannelID string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func (t EventType) category() string {
	switch t {
	case EventAuthFailure, EventRateLimitExceed:
		return "security"
	default:
		return "channel"
	}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", event.Type.category()).
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.ActorID != "" {
		logger = logger.With().Str("actor_id", event.ActorID).Logger()
	}
	if event.ChannelID != "" {
		logger = logger.With().Str("channel_id", event.ChannelID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case interface{ String() string }:
		return e.Str(key, v.String())
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = getClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
