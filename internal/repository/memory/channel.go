package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/repository"
)

type channelRepo struct {
	with access
}

func (r *channelRepo) FindByID(ctx context.Context, id string) (*model.Channel, error) {
	var out *model.Channel
	err := r.with(func(st *state) error {
		if ch, ok := st.channels[id]; ok {
			out = &ch
		}
		return nil
	})
	return out, err
}

// FindByIDForUpdate needs no row lock: transactions are already serialized.
func (r *channelRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Channel, error) {
	return r.FindByID(ctx, id)
}

func (r *channelRepo) list(match func(model.Channel) bool) ([]model.Channel, error) {
	var out []model.Channel
	err := r.with(func(st *state) error {
		for _, ch := range st.channels {
			if match(ch) {
				out = append(out, ch)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *channelRepo) ListByParty(ctx context.Context, actorID string) ([]model.Channel, error) {
	out, err := r.list(func(ch model.Channel) bool { return ch.IsParty(actorID) })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, err
}

func (r *channelRepo) ListUnsettled(ctx context.Context) ([]model.Channel, error) {
	return r.list(func(ch model.Channel) bool {
		return ch.State == model.ChannelStateActive || ch.State == model.ChannelStateClosing
	})
}

func (r *channelRepo) ListStaleDrafts(ctx context.Context, createdBefore time.Time) ([]model.Channel, error) {
	return r.list(func(ch model.Channel) bool {
		return ch.State == model.ChannelStateDraft && ch.CreatedAt.Before(createdBefore)
	})
}

func (r *channelRepo) Create(ctx context.Context, params model.CreateChannelParams) (*model.Channel, error) {
	ch := model.Channel{
		ID:           params.ID,
		SponsorID:    params.SponsorID,
		WorkerID:     params.WorkerID,
		EscrowAmount: params.EscrowAmount,
		HourlyRate:   params.HourlyRate,
		State:        model.ChannelStateDraft,
		ExpiresAt:    params.ExpiresAt,
		CreatedAt:    params.CreatedAt,
		UpdatedAt:    params.CreatedAt,
	}
	err := r.with(func(st *state) error {
		if _, ok := st.channels[ch.ID]; ok {
			return repository.ErrConflict
		}
		st.channels[ch.ID] = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// update applies fn to the channel when guard accepts it and returns the new row.
func (r *channelRepo) update(id string, guard func(model.Channel) bool, fn func(*model.Channel) error) (*model.Channel, error) {
	var out *model.Channel
	err := r.with(func(st *state) error {
		ch, ok := st.channels[id]
		if !ok || !guard(ch) {
			return nil
		}
		if err := fn(&ch); err != nil {
			return err
		}
		st.channels[id] = ch
		out = &ch
		return nil
	})
	return out, err
}

func inState(s model.ChannelState) func(model.Channel) bool {
	return func(ch model.Channel) bool { return ch.State == s }
}

func (r *channelRepo) Activate(ctx context.Context, id string, ledgerChannelID string, at time.Time) (*model.Channel, error) {
	var out *model.Channel
	err := r.with(func(st *state) error {
		ch, ok := st.channels[id]
		if !ok || ch.State != model.ChannelStateDraft {
			return nil
		}
		for _, other := range st.channels {
			if other.ID != id && other.LedgerChannelID != nil && *other.LedgerChannelID == ledgerChannelID {
				return repository.ErrConflict
			}
		}
		ch.State = model.ChannelStateActive
		ch.LedgerChannelID = &ledgerChannelID
		ch.ActivatedAt = &at
		ch.UpdatedAt = at
		st.channels[id] = ch
		out = &ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *channelRepo) DeleteDraft(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := r.with(func(st *state) error {
		if ch, ok := st.channels[id]; ok && ch.State == model.ChannelStateDraft {
			delete(st.channels, id)
			deleted = true
		}
		return nil
	})
	return deleted, err
}

func (r *channelRepo) BeginClosing(ctx context.Context, params model.BeginClosingParams) (*model.Channel, error) {
	return r.update(params.ChannelID, inState(model.ChannelStateActive), func(ch *model.Channel) error {
		initiated, deadline := params.InitiatedAt, params.Deadline
		ch.State = model.ChannelStateClosing
		ch.Expired = params.Expired
		ch.ClosingInitiatedAt = &initiated
		ch.ClosingDeadline = &deadline
		ch.SettlementTxRef = nil
		ch.SettlementPayout = nil
		ch.SubmissionClaimAt = nil
		ch.UpdatedAt = initiated
		return nil
	})
}

func (r *channelRepo) ClaimSubmission(ctx context.Context, id string, at, staleBefore time.Time) (bool, error) {
	ch, err := r.update(id, func(ch model.Channel) bool {
		return ch.State == model.ChannelStateClosing && ch.SettlementTxRef == nil &&
			(ch.SubmissionClaimAt == nil || ch.SubmissionClaimAt.Before(staleBefore))
	}, func(ch *model.Channel) error {
		ch.SubmissionClaimAt = &at
		ch.UpdatedAt = at
		return nil
	})
	return ch != nil, err
}

func (r *channelRepo) ReleaseSubmission(ctx context.Context, id string) error {
	_, err := r.update(id, func(ch model.Channel) bool {
		return ch.SettlementTxRef == nil
	}, func(ch *model.Channel) error {
		ch.SubmissionClaimAt = nil
		ch.UpdatedAt = time.Now().UTC()
		return nil
	})
	return err
}

func (r *channelRepo) SetSettlement(ctx context.Context, id string, txRef string, payout *decimal.Decimal) (bool, error) {
	ch, err := r.update(id, func(ch model.Channel) bool {
		return ch.State == model.ChannelStateClosing && ch.SettlementTxRef == nil && ch.SubmissionClaimAt != nil
	}, func(ch *model.Channel) error {
		ch.SettlementTxRef = &txRef
		ch.SettlementPayout = payout
		ch.UpdatedAt = time.Now().UTC()
		return nil
	})
	return ch != nil, err
}

func (r *channelRepo) MarkExpired(ctx context.Context, id string) (bool, error) {
	ch, err := r.update(id, func(ch model.Channel) bool {
		return ch.State == model.ChannelStateClosing && !ch.Expired
	}, func(ch *model.Channel) error {
		ch.Expired = true
		ch.UpdatedAt = time.Now().UTC()
		return nil
	})
	return ch != nil, err
}

func (r *channelRepo) RollbackToActive(ctx context.Context, id string, at time.Time) (*model.Channel, error) {
	return r.update(id, inState(model.ChannelStateClosing), func(ch *model.Channel) error {
		ch.State = model.ChannelStateActive
		ch.Expired = false
		ch.ClosingInitiatedAt = nil
		ch.ClosingDeadline = nil
		ch.SettlementTxRef = nil
		ch.SettlementPayout = nil
		ch.SubmissionClaimAt = nil
		ch.UpdatedAt = at
		return nil
	})
}

func (r *channelRepo) Finalize(ctx context.Context, id string, payout decimal.Decimal, at time.Time) (*model.Channel, error) {
	return r.update(id, inState(model.ChannelStateClosing), func(ch *model.Channel) error {
		ch.State = model.ChannelStateClosed
		ch.OffLedgerBalance = decimal.Zero
		ch.PaidOutAmount = ch.PaidOutAmount.Add(payout)
		ch.ClosedAt = &at
		ch.UpdatedAt = at
		return nil
	})
}

type accrualLedger struct {
	with access
}

func (l *accrualLedger) AddAccrual(ctx context.Context, channelID string, earnings, hours decimal.Decimal) error {
	if earnings.IsNegative() || hours.IsNegative() {
		return apperrors.InvariantViolation(fmt.Sprintf("negative accrual for channel %s", channelID))
	}

	return l.with(func(st *state) error {
		ch, ok := st.channels[channelID]
		next := ch.OffLedgerBalance.Add(earnings)
		if !ok || ch.State != model.ChannelStateActive || next.GreaterThan(ch.EscrowAmount) {
			return apperrors.InvariantViolation(fmt.Sprintf("accrual of %s would breach escrow or channel %s is not active", earnings, channelID))
		}
		ch.OffLedgerBalance = next
		ch.AccruedHours = ch.AccruedHours.Add(hours)
		ch.UpdatedAt = time.Now().UTC()
		st.channels[channelID] = ch
		return nil
	})
}

type ledgerMirror struct {
	with access
}

func (m *ledgerMirror) SetOnLedgerBalance(ctx context.Context, channelID string, balance decimal.Decimal, at time.Time) error {
	return m.with(func(st *state) error {
		ch, ok := st.channels[channelID]
		if !ok {
			return nil
		}
		ch.OnLedgerBalance = balance
		ch.OnLedgerSyncedAt = &at
		st.channels[channelID] = ch
		return nil
	})
}
