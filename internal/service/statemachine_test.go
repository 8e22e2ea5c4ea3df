package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
	"github.com/wagechannel/channel-server-go/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.ChannelState
		want     bool
	}{
		{model.ChannelStateDraft, model.ChannelStateActive, true},
		{model.ChannelStateActive, model.ChannelStateClosing, true},
		{model.ChannelStateClosing, model.ChannelStateClosed, true},
		{model.ChannelStateClosing, model.ChannelStateActive, true},
		{model.ChannelStateDraft, model.ChannelStateClosing, false},
		{model.ChannelStateActive, model.ChannelStateClosed, false},
		{model.ChannelStateClosed, model.ChannelStateActive, false},
		{model.ChannelStateClosed, model.ChannelStateClosing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestGuardClosable(t *testing.T) {
	tests := []struct {
		state model.ChannelState
		code  apperrors.ErrorCode
	}{
		{model.ChannelStateDraft, apperrors.ErrCodeChannelNotActive},
		{model.ChannelStateClosing, apperrors.ErrCodeChannelAlreadyClosing},
		{model.ChannelStateClosed, apperrors.ErrCodeChannelAlreadyClosed},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			err := GuardClosable(&model.Channel{State: tt.state})
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}

	assert.NoError(t, GuardClosable(&model.Channel{State: model.ChannelStateActive}))
}

func TestClosingDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(72*time.Hour), ClosingDeadline(now.Add(720*time.Hour), now, 72*time.Hour))
	assert.Equal(t, now.Add(time.Hour), ClosingDeadline(now.Add(time.Hour), now, 72*time.Hour))
}

func TestResolveAuthority(t *testing.T) {
	base := model.Channel{SponsorID: "sponsor", WorkerID: "worker"}

	t.Run("sponsor signs directly", func(t *testing.T) {
		ch := base
		ch.OffLedgerBalance = decimal.NewFromInt(15)
		a, err := ResolveAuthority(&ch, "sponsor", false)
		require.NoError(t, err)
		assert.Equal(t, AuthorityDirect, a.Kind)
		assert.Equal(t, model.RoleSponsor, a.Signer)
	})

	t.Run("worker with balance needs approval", func(t *testing.T) {
		ch := base
		ch.OffLedgerBalance = decimal.NewFromInt(15)
		a, err := ResolveAuthority(&ch, "worker", false)
		require.NoError(t, err)
		assert.Equal(t, AuthorityRequiresApproval, a.Kind)
		assert.Empty(t, a.Signer)
	})

	t.Run("worker signs once expired", func(t *testing.T) {
		ch := base
		ch.OffLedgerBalance = decimal.NewFromInt(15)
		ch.Expired = true
		a, err := ResolveAuthority(&ch, "worker", true)
		require.NoError(t, err)
		assert.Equal(t, AuthorityDirect, a.Kind)
		assert.Equal(t, model.RoleWorker, a.Signer)
	})

	t.Run("worker signs a zero payout", func(t *testing.T) {
		ch := base
		a, err := ResolveAuthority(&ch, "worker", false)
		require.NoError(t, err)
		assert.Equal(t, AuthorityDirect, a.Kind)
	})

	t.Run("open session blocks zero payout shortcut", func(t *testing.T) {
		ch := base
		a, err := ResolveAuthority(&ch, "worker", true)
		require.NoError(t, err)
		assert.Equal(t, AuthorityRequiresApproval, a.Kind)
	})

	t.Run("strangers are forbidden", func(t *testing.T) {
		ch := base
		_, err := ResolveAuthority(&ch, "someone", false)
		assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetCode(err))
	})
}

func TestQuotePayout(t *testing.T) {
	assert.Nil(t, QuotePayout(decimal.Zero))
	assert.Nil(t, QuotePayout(decimal.RequireFromString("0.000000")))

	p := QuotePayout(decimal.NewFromInt(15))
	require.NotNil(t, p)
	assert.True(t, decimal.NewFromInt(15).Equal(*p))
}
