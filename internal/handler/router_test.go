package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagechannel/channel-server-go/internal/ledger/ledgertest"
	"github.com/wagechannel/channel-server-go/internal/middleware"
	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/repository/memory"
	"github.com/wagechannel/channel-server-go/internal/service"
)

const testSecret = "test-secret"

type api struct {
	t      *testing.T
	router http.Handler
	ledger *ledgertest.Fake
}

func newAPI(t *testing.T) *api {
	t.Helper()

	store := memory.NewStore()
	fake := ledgertest.NewFake()
	events := service.NewEventPublisher(nil)

	tracker := service.NewTracker(store, events, service.TrackerConfig{
		MaxSessionDuration: 12 * time.Hour,
		MaxDailyHours:      decimal.NewFromInt(16),
		RetryWindow:        10 * time.Second,
	})
	channels := service.NewChannelService(store, fake, events, service.ChannelConfig{
		Lifetime:          720 * time.Hour,
		ActivationTimeout: 30 * time.Minute,
	})
	negotiator := service.NewNegotiator(store, fake, tracker, events, service.NegotiatorConfig{
		ClosingExpiryWindow: 72 * time.Hour,
		VerifyAttempts:      2,
		VerifyInterval:      time.Millisecond,
	})

	router := NewRouter(RouterDeps{
		Channels:   channels,
		Tracker:    tracker,
		Negotiator: negotiator,
		Auth:       middleware.NewActorAuth(testSecret, "").Handler,
		Health: map[string]HealthCheck{
			"store": func(context.Context) error { return nil },
		},
	})

	return &api{t: t, router: router, ledger: fake}
}

func token(t *testing.T, actor model.Actor) string {
	t.Helper()
	claims := middleware.ActorClaims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// do sends a request as actor and decodes the JSON response into out when set.
func (a *api) do(actor *model.Actor, method, path string, body any, out any) *httptest.ResponseRecorder {
	a.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+token(a.t, *actor))
	}

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	if out != nil {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

var (
	sponsor  = model.Actor{ID: "sponsor-1", Role: model.RoleSponsor}
	worker   = model.Actor{ID: "worker-1", Role: model.RoleWorker}
	outsider = model.Actor{ID: "outsider-1", Role: model.RoleWorker}
)

func (a *api) activeChannel() model.Channel {
	a.t.Helper()

	var draft model.Channel
	rec := a.do(&sponsor, http.MethodPost, "/v1/channels", map[string]any{
		"workerId":     worker.ID,
		"hourlyRate":   "15",
		"escrowAmount": "240",
	}, &draft)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(a.t, model.ChannelStateDraft, draft.State)

	ledgerID := "ledger-" + draft.ID
	a.ledger.SetChannel(ledgerID, decimal.Zero)

	var ch model.Channel
	rec = a.do(&sponsor, http.MethodPost, "/v1/channels/"+draft.ID+"/confirm", map[string]string{
		"ledgerChannelId": ledgerID,
	}, &ch)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(a.t, model.ChannelStateActive, ch.State)
	return ch
}

type errorBody struct {
	Code     string `json:"code"`
	Category string `json:"category"`
}

func TestRouter_Health(t *testing.T) {
	a := newAPI(t)

	var body map[string]string
	rec := a.do(nil, http.MethodGet, "/health", nil, &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["store"])
}

func TestRouter_HealthDegraded(t *testing.T) {
	router := NewRouter(RouterDeps{
		Health: map[string]HealthCheck{
			"redis": func(context.Context) error { return errors.New("down") },
		},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"unavailable"`)
}

func TestRouter_RequiresAuthentication(t *testing.T) {
	a := newAPI(t)

	var body errorBody
	rec := a.do(nil, http.MethodGet, "/v1/channels", nil, &body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", body.Code)
}

func TestChannelHandler(t *testing.T) {
	t.Run("create validates input", func(t *testing.T) {
		a := newAPI(t)

		var body errorBody
		rec := a.do(&sponsor, http.MethodPost, "/v1/channels", map[string]any{
			"workerId":     worker.ID,
			"hourlyRate":   "0",
			"escrowAmount": "240",
		}, &body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_INPUT", body.Code)
		assert.Equal(t, "not_allowed", body.Category)
	})

	t.Run("create rejects unknown fields", func(t *testing.T) {
		a := newAPI(t)

		var body errorBody
		rec := a.do(&sponsor, http.MethodPost, "/v1/channels", map[string]any{"bogus": true}, &body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", body.Code)
	})

	t.Run("workers cannot open channels", func(t *testing.T) {
		a := newAPI(t)

		rec := a.do(&worker, http.MethodPost, "/v1/channels", map[string]any{
			"workerId":     worker.ID,
			"hourlyRate":   "15",
			"escrowAmount": "240",
		}, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("status and listing are visible to both parties only", func(t *testing.T) {
		a := newAPI(t)
		ch := a.activeChannel()

		var status model.ChannelStatus
		rec := a.do(&worker, http.MethodGet, "/v1/channels/"+ch.ID, nil, &status)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, model.ChannelStateActive, status.State)
		assert.True(t, decimal.NewFromInt(240).Equal(status.RemainingEscrow))

		var body errorBody
		rec = a.do(&outsider, http.MethodGet, "/v1/channels/"+ch.ID, nil, &body)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "CHANNEL_NOT_FOUND", body.Code)

		var list struct {
			Channels []model.Channel `json:"channels"`
		}
		rec = a.do(&sponsor, http.MethodGet, "/v1/channels", nil, &list)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, list.Channels, 1)
		assert.Equal(t, ch.ID, list.Channels[0].ID)

		var discrepancies struct {
			Discrepancies []model.Discrepancy `json:"discrepancies"`
		}
		rec = a.do(&sponsor, http.MethodGet, "/v1/channels/"+ch.ID+"/discrepancies", nil, &discrepancies)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, discrepancies.Discrepancies)
	})

	t.Run("confirm fails when the ledger has no entry", func(t *testing.T) {
		a := newAPI(t)

		var draft model.Channel
		a.do(&sponsor, http.MethodPost, "/v1/channels", map[string]any{
			"workerId":     worker.ID,
			"hourlyRate":   "15",
			"escrowAmount": "240",
		}, &draft)

		var body errorBody
		rec := a.do(&sponsor, http.MethodPost, "/v1/channels/"+draft.ID+"/confirm", map[string]string{
			"ledgerChannelId": "missing",
		}, &body)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "CHANNEL_NOT_CONFIRMED", body.Code)
	})
}

func TestSessionHandler(t *testing.T) {
	a := newAPI(t)
	ch := a.activeChannel()

	var s model.WorkSession
	rec := a.do(&worker, http.MethodPost, "/v1/channels/"+ch.ID+"/clock-in", nil, &s)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.SessionStatusOpen, s.Status)

	var retried model.WorkSession
	rec = a.do(&worker, http.MethodPost, "/v1/channels/"+ch.ID+"/clock-in", nil, &retried)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, s.ID, retried.ID)

	rec = a.do(&sponsor, http.MethodPost, "/v1/sessions/"+s.ID+"/clock-out", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var done model.WorkSession
	rec = a.do(&worker, http.MethodPost, "/v1/sessions/"+s.ID+"/clock-out", nil, &done)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.SessionStatusCompleted, done.Status)
	require.NotNil(t, done.Earnings)

	var body errorBody
	rec = a.do(&worker, http.MethodPost, "/v1/sessions/"+s.ID+"/clock-out", nil, &body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SESSION_NOT_OPEN", body.Code)

	var list struct {
		Sessions []model.WorkSession `json:"sessions"`
	}
	rec = a.do(&sponsor, http.MethodGet, "/v1/channels/"+ch.ID+"/sessions?limit=10", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, s.ID, list.Sessions[0].ID)
}

func TestClosureHandler(t *testing.T) {
	t.Run("sponsor closes and settles", func(t *testing.T) {
		a := newAPI(t)
		ch := a.activeChannel()

		var out service.ClosureOutcome
		rec := a.do(&sponsor, http.MethodPost, "/v1/channels/"+ch.ID+"/closure", nil, &out)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NotNil(t, out.Settlement)
		assert.Equal(t, service.SettlementConfirmed, out.Settlement.Status)
		assert.Nil(t, out.Settlement.Payout)
		assert.Equal(t, model.ChannelStateClosed, out.Channel.State)

		var body errorBody
		rec = a.do(&sponsor, http.MethodPost, "/v1/channels/"+ch.ID+"/closure", nil, &body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "CHANNEL_ALREADY_CLOSED", body.Code)
	})

	t.Run("worker with nothing owed closes directly", func(t *testing.T) {
		a := newAPI(t)
		ch := a.activeChannel()

		var out service.ClosureOutcome
		rec := a.do(&worker, http.MethodPost, "/v1/channels/"+ch.ID+"/closure", nil, &out)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Nil(t, out.Request)
		assert.Equal(t, model.ChannelStateClosed, out.Channel.State)
		require.Len(t, a.ledger.Submissions(), 1)
		assert.Equal(t, model.RoleWorker, a.ledger.Submissions()[0].Signer)
	})

	t.Run("unconfirmed settlement answers 202", func(t *testing.T) {
		a := newAPI(t)
		ch := a.activeChannel()
		a.ledger.SetOutcome(ledgertest.OutcomePending)

		var out service.ClosureOutcome
		rec := a.do(&sponsor, http.MethodPost, "/v1/channels/"+ch.ID+"/closure", nil, &out)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Equal(t, service.SettlementPendingVerification, out.Settlement.Status)
		assert.Equal(t, model.ChannelStateClosing, out.Channel.State)
	})

	t.Run("finalize before expiry is refused", func(t *testing.T) {
		a := newAPI(t)
		ch := a.activeChannel()

		var body errorBody
		rec := a.do(&worker, http.MethodPost, "/v1/channels/"+ch.ID+"/finalize-expired", nil, &body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "CHANNEL_NOT_EXPIRED", body.Code)
	})

	t.Run("unknown closure request", func(t *testing.T) {
		a := newAPI(t)

		var body errorBody
		rec := a.do(&sponsor, http.MethodPost, "/v1/closure-requests/7d0b1c1e-5b8a-4c57-9d43-0a4f7d8e2b11/approve", nil, &body)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "CLOSURE_REQUEST_NOT_FOUND", body.Code)
	})

	t.Run("closure requests list is empty for a fresh channel", func(t *testing.T) {
		a := newAPI(t)
		ch := a.activeChannel()

		var list struct {
			ClosureRequests []model.ClosureRequest `json:"closureRequests"`
		}
		rec := a.do(&worker, http.MethodGet, "/v1/channels/"+ch.ID+"/closure-requests", nil, &list)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, list.ClosureRequests)
	})
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", DefaultLimit},
		{"limit=10", 10},
		{"limit=0", DefaultLimit},
		{"limit=-3", DefaultLimit},
		{"limit=500", DefaultLimit},
		{"limit=abc", DefaultLimit},
	}

	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
		assert.Equal(t, tc.want, ParseLimit(req), tc.query)
	}
}
