package service

import (
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
	"github.com/wagechannel/channel-server-go/internal/model"
)

var transitions = map[model.ChannelState][]model.ChannelState{
	model.ChannelStateDraft:   {model.ChannelStateActive},
	model.ChannelStateActive:  {model.ChannelStateClosing},
	model.ChannelStateClosing: {model.ChannelStateClosed, model.ChannelStateActive},
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
// Closing back to Active is the rollback after a failed settlement.
func CanTransition(from, to model.ChannelState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// GuardClosable rejects closure attempts on channels that are not Active.
func GuardClosable(ch *model.Channel) error {
	switch ch.State {
	case model.ChannelStateActive:
		return nil
	case model.ChannelStateClosing:
		return apperrors.ChannelAlreadyClosing()
	case model.ChannelStateClosed:
		return apperrors.ChannelAlreadyClosed()
	default:
		return apperrors.ChannelNotActive()
	}
}

// ClosingDeadline is the instant a channel entering Closing at initiated becomes
// finalizable by either party.
func ClosingDeadline(expiresAt, initiated time.Time, window time.Duration) time.Time {
	deadline := initiated.Add(window)
	if expiresAt.Before(deadline) {
		return expiresAt
	}
	return deadline
}

type AuthorityKind int

const (
	AuthorityDirect AuthorityKind = iota + 1
	AuthorityRequiresApproval
)

func (k AuthorityKind) String() string {
	switch k {
	case AuthorityDirect:
		return "direct"
	case AuthorityRequiresApproval:
		return "requires_approval"
	default:
		return "unknown"
	}
}

// Authority is resolved once per closure attempt. Signer is set only for
// AuthorityDirect.
type Authority struct {
	Kind   AuthorityKind
	Signer model.Role
}

// ResolveAuthority decides whether actorID may submit a settlement for ch.
// The sponsor always signs. A worker signs only when the channel is expired or
// nothing would be paid out; openSessions counts against the latter because
// those sessions are about to accrue.
func ResolveAuthority(ch *model.Channel, actorID string, openSessions bool) (Authority, error) {
	switch ch.RoleOf(actorID) {
	case model.RoleSponsor:
		return Authority{Kind: AuthorityDirect, Signer: model.RoleSponsor}, nil
	case model.RoleWorker:
		if ch.Expired || (ch.OffLedgerBalance.IsZero() && !openSessions) {
			return Authority{Kind: AuthorityDirect, Signer: model.RoleWorker}, nil
		}
		return Authority{Kind: AuthorityRequiresApproval}, nil
	default:
		return Authority{}, apperrors.Forbidden("Only the channel's sponsor or worker may close it")
	}
}

// QuotePayout returns the payout to put on the settlement transaction, or nil
// when the payout field must be omitted.
func QuotePayout(balance decimal.Decimal) *decimal.Decimal {
	if balance.IsZero() {
		return nil
	}
	p := balance
	return &p
}
