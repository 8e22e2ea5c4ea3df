package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wagechannel/channel-server-go/internal/audit"
	"github.com/wagechannel/channel-server-go/internal/config"
	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
	"github.com/wagechannel/channel-server-go/internal/ledger"
	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/repository"
)

type NegotiatorConfig struct {
	ClosingExpiryWindow time.Duration
	VerifyAttempts      int
	VerifyInterval      time.Duration
	// ClaimTTL is how long a submission claim blocks other submitters.
	ClaimTTL time.Duration
}

type SettlementStatus string

const (
	SettlementConfirmed           SettlementStatus = "confirmed"
	SettlementPendingVerification SettlementStatus = "pending_verification"
	SettlementRolledBack          SettlementStatus = "rolled_back"
)

type Settlement struct {
	TxRef  string           `json:"txRef,omitempty"`
	Payout *decimal.Decimal `json:"payout,omitempty"`
	Status SettlementStatus `json:"status"`
}

// ClosureOutcome is the result of a closure call: either a pending Request for
// the sponsor to decide, or a Settlement that was submitted.
type ClosureOutcome struct {
	Channel    *model.Channel        `json:"channel"`
	Request    *model.ClosureRequest `json:"request,omitempty"`
	Settlement *Settlement           `json:"settlement,omitempty"`
}

// VerifyResult is the outcome of one verification round.
type VerifyResult string

const (
	VerifyFinalized  VerifyResult = "finalized"
	VerifyRolledBack VerifyResult = "rolled_back"
	VerifyPending    VerifyResult = "pending"
)

// quote is the settlement computed from the channel row read inside the
// transaction that moved it to Closing.
type quote struct {
	channelID       string
	ledgerChannelID string
	payout          *decimal.Decimal
	signer          model.Role
}

// Negotiator runs the closure protocol: quote, authorize, submit, verify and
// finalize or roll back.
type Negotiator struct {
	store   repository.Store
	gateway ledger.Gateway
	tracker *Tracker
	events  *EventPublisher
	cfg     NegotiatorConfig
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewNegotiator(store repository.Store, gateway ledger.Gateway, tracker *Tracker, events *EventPublisher, cfg NegotiatorConfig) *Negotiator {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = config.SettlementClaimTTL
	}
	return &Negotiator{
		store:   store,
		gateway: gateway,
		tracker: tracker,
		events:  events,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func lockChannel(ctx context.Context, r repository.Repositories, channelID string) (*model.Channel, error) {
	ch, err := r.Channels.FindByIDForUpdate(ctx, channelID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if ch == nil {
		return nil, apperrors.ChannelNotFound()
	}
	return ch, nil
}

func newQuote(ch *model.Channel, signer model.Role) (*quote, error) {
	if ch.LedgerChannelID == nil {
		return nil, apperrors.InvariantViolation(fmt.Sprintf("closing channel %s has no ledger channel id", ch.ID))
	}
	return &quote{
		channelID:       ch.ID,
		ledgerChannelID: *ch.LedgerChannelID,
		payout:          QuotePayout(ch.OffLedgerBalance),
		signer:          signer,
	}, nil
}

// enterClosing completes open sessions and moves the locked Active channel to
// Closing. The returned row carries the balance to quote.
func (n *Negotiator) enterClosing(ctx context.Context, r repository.Repositories, ch *model.Channel, now time.Time, expired bool) (*model.Channel, error) {
	if !CanTransition(ch.State, model.ChannelStateClosing) {
		return nil, GuardClosable(ch)
	}
	if _, err := n.tracker.CompleteOpenSessions(ctx, r, ch, now); err != nil {
		return nil, err
	}

	deadline := ClosingDeadline(ch.ExpiresAt, now, n.cfg.ClosingExpiryWindow)
	closing, err := r.Channels.BeginClosing(ctx, model.BeginClosingParams{
		ChannelID:   ch.ID,
		InitiatedAt: now,
		Deadline:    deadline,
		Expired:     expired || !now.Before(deadline),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if closing == nil {
		return nil, apperrors.ChannelAlreadyClosing()
	}
	return closing, nil
}

// claimSubmission reserves the locked Closing channel for the caller about to
// submit its settlement. Anyone else gets SettlementUnconfirmed until the
// reference is recorded or the claim goes stale.
func (n *Negotiator) claimSubmission(ctx context.Context, r repository.Repositories, channelID string, now time.Time) error {
	claimed, err := r.Channels.ClaimSubmission(ctx, channelID, now, now.Add(-n.cfg.ClaimTTL))
	if err != nil {
		return apperrors.Database(err)
	}
	if !claimed {
		return apperrors.SettlementUnconfirmed()
	}
	return nil
}

// releaseSubmission drops a claim whose submission never reached the ledger.
func (n *Negotiator) releaseSubmission(ctx context.Context, channelID string) {
	if err := n.store.Repositories().Channels.ReleaseSubmission(context.WithoutCancel(ctx), channelID); err != nil {
		log.Error().Err(err).Str("channelId", channelID).Msg("failed to release submission claim")
	}
}

// RequestClosure starts settlement for a party of the channel. A caller with
// signing authority settles immediately; otherwise a pending ClosureRequest is
// recorded for the sponsor.
func (n *Negotiator) RequestClosure(ctx context.Context, actor model.Actor, channelID string) (*ClosureOutcome, error) {
	if err := validateID("channelId", channelID); err != nil {
		return nil, err
	}

	now := n.now()
	outcome := &ClosureOutcome{}
	var q *quote

	err := n.store.RunInTx(ctx, func(r repository.Repositories) error {
		ch, err := lockChannel(ctx, r, channelID)
		if err != nil {
			return err
		}
		if !ch.IsParty(actor.ID) {
			return apperrors.ChannelNotFound()
		}
		if err := GuardClosable(ch); err != nil {
			return err
		}

		pastExpiry := !now.Before(ch.ExpiresAt)
		ch.Expired = ch.Expired || pastExpiry

		open, err := r.Sessions.ListOpenByChannel(ctx, ch.ID)
		if err != nil {
			return apperrors.Database(err)
		}
		authority, err := ResolveAuthority(ch, actor.ID, len(open) > 0)
		if err != nil {
			return err
		}

		if authority.Kind == AuthorityRequiresApproval {
			req, err := r.Closures.Create(ctx, model.CreateClosureRequestParams{
				ID:              uuid.NewString(),
				ChannelID:       ch.ID,
				RequesterID:     actor.ID,
				RequesterRole:   ch.RoleOf(actor.ID),
				RequestedPayout: ch.OffLedgerBalance,
				CreatedAt:       now,
			})
			if errors.Is(err, repository.ErrConflict) {
				return apperrors.ClosureRequestPending()
			}
			if err != nil {
				return apperrors.Database(err)
			}
			outcome.Channel, outcome.Request = ch, req
			return nil
		}

		closing, err := n.enterClosing(ctx, r, ch, now, pastExpiry)
		if err != nil {
			return err
		}
		if err := n.claimSubmission(ctx, r, closing.ID, now); err != nil {
			return err
		}
		outcome.Channel = closing
		q, err = newQuote(closing, authority.Signer)
		return err
	})
	if err != nil {
		return nil, err
	}

	if q == nil {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventClosureRequested,
			ActorID:   actor.ID,
			ChannelID: channelID,
			Details: map[string]interface{}{
				"requestId":       outcome.Request.ID,
				"requestedPayout": outcome.Request.RequestedPayout.String(),
			},
		})
		n.events.Publish(ctx, EventClosureRequested, outcome.Channel, outcome.Request)
		return outcome, nil
	}

	n.events.Publish(ctx, EventChannelClosing, outcome.Channel, outcome.Channel)
	return n.settle(ctx, actor, q, outcome)
}

// loadRequest reads a closure request and its channel so the channel can be
// locked first.
func (n *Negotiator) loadRequest(ctx context.Context, requestID string) (*model.ClosureRequest, error) {
	if err := validateID("requestId", requestID); err != nil {
		return nil, err
	}
	req, err := n.store.Repositories().Closures.FindByID(ctx, requestID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if req == nil {
		return nil, apperrors.ClosureRequestNotFound()
	}
	return req, nil
}

// lockPendingRequest locks the channel then the request, and checks that the
// request is still pending.
func lockPendingRequest(ctx context.Context, r repository.Repositories, pre *model.ClosureRequest) (*model.Channel, *model.ClosureRequest, error) {
	ch, err := lockChannel(ctx, r, pre.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	req, err := r.Closures.FindByIDForUpdate(ctx, pre.ID)
	if err != nil {
		return nil, nil, apperrors.Database(err)
	}
	if req == nil {
		return nil, nil, apperrors.ClosureRequestNotFound()
	}
	if req.Status != model.ClosureStatusPending {
		return nil, nil, apperrors.ClosureRequestNotPending()
	}
	return ch, req, nil
}

// ApproveClosure lets the sponsor accept a pending request. The payout is
// re-quoted from the current balance, not the requested snapshot.
func (n *Negotiator) ApproveClosure(ctx context.Context, actor model.Actor, requestID string) (*ClosureOutcome, error) {
	pre, err := n.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	now := n.now()
	outcome := &ClosureOutcome{}
	var q *quote

	err = n.store.RunInTx(ctx, func(r repository.Repositories) error {
		ch, req, err := lockPendingRequest(ctx, r, pre)
		if err != nil {
			return err
		}
		if ch.SponsorID != actor.ID {
			return apperrors.SettlementNotAuthorized()
		}
		if err := GuardClosable(ch); err != nil {
			return err
		}

		approved, err := r.Closures.Decide(ctx, req.ID, model.ClosureStatusApproved, actor.ID, now)
		if err != nil {
			return apperrors.Database(err)
		}
		if approved == nil {
			return apperrors.ClosureRequestNotPending()
		}

		closing, err := n.enterClosing(ctx, r, ch, now, !now.Before(ch.ExpiresAt))
		if err != nil {
			return err
		}
		if err := n.claimSubmission(ctx, r, closing.ID, now); err != nil {
			return err
		}
		outcome.Channel, outcome.Request = closing, approved
		q, err = newQuote(closing, model.RoleSponsor)
		return err
	})
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventClosureApproved,
		ActorID:   actor.ID,
		ChannelID: pre.ChannelID,
		Details: map[string]interface{}{
			"requestId":       pre.ID,
			"requestedPayout": pre.RequestedPayout.String(),
			"quotedPayout":    payoutString(q.payout),
		},
	})
	n.events.Publish(ctx, EventChannelClosing, outcome.Channel, outcome.Channel)

	return n.settle(ctx, actor, q, outcome)
}

// RejectClosure lets the sponsor turn down a pending request.
func (n *Negotiator) RejectClosure(ctx context.Context, actor model.Actor, requestID string) (*model.ClosureRequest, error) {
	pre, err := n.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var rejected *model.ClosureRequest
	var ch *model.Channel
	err = n.store.RunInTx(ctx, func(r repository.Repositories) error {
		locked, req, err := lockPendingRequest(ctx, r, pre)
		if err != nil {
			return err
		}
		if locked.SponsorID != actor.ID {
			return apperrors.SettlementNotAuthorized()
		}
		rejected, err = r.Closures.Decide(ctx, req.ID, model.ClosureStatusRejected, actor.ID, n.now())
		if err != nil {
			return apperrors.Database(err)
		}
		if rejected == nil {
			return apperrors.ClosureRequestNotPending()
		}
		ch = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventClosureRejected,
		ActorID:   actor.ID,
		ChannelID: ch.ID,
		Details:   map[string]interface{}{"requestId": rejected.ID},
	})
	n.events.Publish(ctx, EventClosureRejected, ch, rejected)
	return rejected, nil
}

// CancelClosureRequest lets the requester withdraw a pending request.
func (n *Negotiator) CancelClosureRequest(ctx context.Context, actor model.Actor, requestID string) (*model.ClosureRequest, error) {
	pre, err := n.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if pre.RequesterID != actor.ID {
		return nil, apperrors.Forbidden("Only the requester can cancel a closure request")
	}

	var cancelled *model.ClosureRequest
	var ch *model.Channel
	err = n.store.RunInTx(ctx, func(r repository.Repositories) error {
		locked, req, err := lockPendingRequest(ctx, r, pre)
		if err != nil {
			return err
		}
		cancelled, err = r.Closures.Cancel(ctx, req.ID, n.now())
		if err != nil {
			return apperrors.Database(err)
		}
		if cancelled == nil {
			return apperrors.ClosureRequestNotPending()
		}
		ch = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventClosureCancelled,
		ActorID:   actor.ID,
		ChannelID: ch.ID,
		Details:   map[string]interface{}{"requestId": cancelled.ID},
	})
	n.events.Publish(ctx, EventClosureCancelled, ch, cancelled)
	return cancelled, nil
}

func (n *Negotiator) ListClosureRequests(ctx context.Context, actor model.Actor, channelID string) ([]model.ClosureRequest, error) {
	if err := validateID("channelId", channelID); err != nil {
		return nil, err
	}
	repos := n.store.Repositories()
	if _, err := loadForParty(ctx, repos, actor, channelID); err != nil {
		return nil, err
	}
	reqs, err := repos.Closures.ListByChannel(ctx, channelID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if reqs == nil {
		reqs = []model.ClosureRequest{}
	}
	return reqs, nil
}

// FinalizeExpiredClosure lets either party settle an expired channel. The
// payout is whatever balance the ledger reports at this moment, which may
// differ from the off-ledger balance; the difference is recorded as a
// discrepancy but not corrected.
func (n *Negotiator) FinalizeExpiredClosure(ctx context.Context, actor model.Actor, channelID string) (*ClosureOutcome, error) {
	if err := validateID("channelId", channelID); err != nil {
		return nil, err
	}

	now := n.now()
	var ch *model.Channel
	entered := false

	err := n.store.RunInTx(ctx, func(r repository.Repositories) error {
		locked, err := lockChannel(ctx, r, channelID)
		if err != nil {
			return err
		}
		if !locked.IsParty(actor.ID) {
			return apperrors.ChannelNotFound()
		}

		switch locked.State {
		case model.ChannelStateClosed:
			return apperrors.ChannelAlreadyClosed()
		case model.ChannelStateActive:
			if now.Before(locked.ExpiresAt) {
				return apperrors.ChannelNotExpired()
			}
			ch, err = n.enterClosing(ctx, r, locked, now, true)
			if err != nil {
				return err
			}
			entered = true
			return n.claimSubmission(ctx, r, ch.ID, now)
		case model.ChannelStateClosing:
			if !locked.Expired {
				if now.Before(locked.Deadline()) {
					return apperrors.ChannelNotExpired()
				}
				if _, err := r.Channels.MarkExpired(ctx, locked.ID); err != nil {
					return apperrors.Database(err)
				}
				locked.Expired = true
			}
			ch = locked
			if locked.SettlementTxRef != nil {
				return nil
			}
			return n.claimSubmission(ctx, r, locked.ID, now)
		default:
			return apperrors.ChannelNotActive()
		}
	})
	if err != nil {
		return nil, err
	}
	if entered {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventChannelExpired,
			ActorID:   actor.ID,
			ChannelID: ch.ID,
			Details:   map[string]interface{}{"from": string(model.ChannelStateActive)},
		})
		n.events.Publish(ctx, EventChannelExpired, ch, ch)
	}
	if ch.LedgerChannelID == nil {
		n.releaseSubmission(ctx, ch.ID)
		return nil, apperrors.InvariantViolation(fmt.Sprintf("closing channel %s has no ledger channel id", ch.ID))
	}

	outcome := &ClosureOutcome{Channel: ch}

	// A settlement already submitted is verified rather than replaced.
	if ch.SettlementTxRef != nil {
		switch n.verifyOnce(ctx, ch) {
		case VerifyFinalized:
			return n.outcomeFor(ctx, ch.ID, &Settlement{TxRef: *ch.SettlementTxRef, Payout: ch.SettlementPayout, Status: SettlementConfirmed})
		case VerifyRolledBack:
			return n.outcomeFor(ctx, ch.ID, &Settlement{TxRef: *ch.SettlementTxRef, Payout: ch.SettlementPayout, Status: SettlementRolledBack})
		default:
			return nil, apperrors.SettlementUnconfirmed()
		}
	}

	state, err := n.gateway.QueryChannel(ctx, *ch.LedgerChannelID)
	if err != nil {
		n.releaseSubmission(ctx, ch.ID)
		return nil, apperrors.LedgerUnavailable(err)
	}
	if !state.Exists {
		n.releaseSubmission(ctx, ch.ID)
		log.Error().Str("channelId", ch.ID).Msg("ledger entry missing for closing channel without settlement")
		return nil, apperrors.InvariantViolation("Ledger channel entry is missing and no settlement was submitted")
	}

	ledgerBalance := state.Balance.Round(amountScale)
	if !ledgerBalance.Equal(ch.OffLedgerBalance) {
		d, err := n.store.Repositories().Discrepancies.Create(ctx, model.CreateDiscrepancyParams{
			ID:               uuid.NewString(),
			ChannelID:        ch.ID,
			Kind:             model.DiscrepancyPayoutMismatch,
			OffLedgerBalance: ch.OffLedgerBalance,
			OnLedgerBalance:  ledgerBalance,
			DetectedAt:       now,
		})
		if err != nil {
			log.Error().Err(err).Str("channelId", ch.ID).Msg("failed to record payout discrepancy")
		} else {
			audit.Log(ctx, audit.Event{
				Type:      audit.EventDiscrepancyFound,
				ActorID:   actor.ID,
				ChannelID: ch.ID,
				Details: map[string]interface{}{
					"kind":  string(d.Kind),
					"delta": d.Delta.String(),
				},
			})
		}
	}

	q := &quote{
		channelID:       ch.ID,
		ledgerChannelID: *ch.LedgerChannelID,
		payout:          QuotePayout(ledgerBalance),
		signer:          ch.RoleOf(actor.ID),
	}
	return n.settle(ctx, actor, q, outcome)
}

func (n *Negotiator) outcomeFor(ctx context.Context, channelID string, settlement *Settlement) (*ClosureOutcome, error) {
	ch, err := n.store.Repositories().Channels.FindByID(ctx, channelID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return &ClosureOutcome{Channel: ch, Settlement: settlement}, nil
}

// settle submits q once and polls for confirmation. The caller holds the
// submission claim. A definitive rejection rolls the channel back; an
// ambiguous failure releases the claim and leaves the channel Closing with no
// settlement reference. Work from the submission on runs detached from ctx;
// ctx only bounds the polling.
func (n *Negotiator) settle(ctx context.Context, actor model.Actor, q *quote, outcome *ClosureOutcome) (*ClosureOutcome, error) {
	bg := context.WithoutCancel(ctx)

	ref, err := n.gateway.SubmitSettlement(bg, ledger.SettlementRequest{
		LedgerChannelID: q.ledgerChannelID,
		Payout:          q.payout,
		Signer:          q.signer,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			log.Warn().Err(err).Str("channelId", q.channelID).Msg("settlement rejected by ledger")
			ch, rbErr := n.rollback(bg, q.channelID, nil, "submission rejected")
			if rbErr != nil {
				return nil, rbErr
			}
			outcome.Channel = ch
			outcome.Settlement = &Settlement{Payout: q.payout, Status: SettlementRolledBack}
			return outcome, nil
		}
		log.Error().Err(err).Str("channelId", q.channelID).Msg("settlement submission outcome unknown")
		n.releaseSubmission(bg, q.channelID)
		return nil, apperrors.LedgerUnavailable(err)
	}

	recorded, err := n.recordSettlement(bg, q, ref)
	if err != nil || !recorded {
		// The claim stays, so the channel is not resubmitted while it is live.
		// The reference is only in this log line until an operator records it.
		log.Error().Err(err).Str("channelId", q.channelID).Str("txRef", ref).Str("payout", payoutString(q.payout)).
			Msg("failed to record settlement reference")
	}

	audit.Log(bg, audit.Event{
		Type:      audit.EventSettlementSubmit,
		ActorID:   actor.ID,
		ChannelID: q.channelID,
		Details: map[string]interface{}{
			"txRef":    ref,
			"payout":   payoutString(q.payout),
			"signer":   string(q.signer),
			"recorded": recorded,
		},
	})

	settlement := &Settlement{TxRef: ref, Payout: q.payout, Status: SettlementPendingVerification}
	outcome.Settlement = settlement
	if !recorded {
		return outcome, nil
	}

	attempts := n.cfg.VerifyAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := n.sleep(ctx, n.cfg.VerifyInterval); err != nil {
				break
			}
		}

		switch n.check(bg, q.ledgerChannelID, ref) {
		case VerifyFinalized:
			ch, err := n.finalize(bg, q.channelID, &ref, q.payout)
			if err != nil {
				return nil, err
			}
			settlement.Status = SettlementConfirmed
			outcome.Channel = ch
			return outcome, nil
		case VerifyRolledBack:
			ch, err := n.rollback(bg, q.channelID, &ref, "settlement failed validation")
			if err != nil {
				return nil, err
			}
			settlement.Status = SettlementRolledBack
			outcome.Channel = ch
			return outcome, nil
		}
	}

	log.Info().Str("channelId", q.channelID).Str("txRef", ref).Msg("settlement unconfirmed, leaving channel closing")
	if ch, err := n.store.Repositories().Channels.FindByID(bg, q.channelID); err == nil && ch != nil {
		outcome.Channel = ch
	}
	return outcome, nil
}

// recordSettlement stores the submitted reference into the claimed slot,
// retrying transient store errors.
func (n *Negotiator) recordSettlement(ctx context.Context, q *quote, ref string) (bool, error) {
	var recorded bool
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = config.SettlementRecordRetryInitial
	b := backoff.WithMaxRetries(eb, config.SettlementRecordRetries)
	err := backoff.Retry(func() error {
		var err error
		recorded, err = n.store.Repositories().Channels.SetSettlement(ctx, q.channelID, ref, q.payout)
		return err
	}, backoff.WithContext(b, ctx))
	return recorded, err
}

// check asks the ledger for both confirmation facts. Only a validated
// successful transaction together with an absent channel entry finalizes.
func (n *Negotiator) check(ctx context.Context, ledgerChannelID, ref string) VerifyResult {
	tx, err := n.gateway.QueryTransaction(ctx, ref)
	if err != nil {
		log.Warn().Err(err).Str("txRef", ref).Msg("transaction status unavailable")
		return VerifyPending
	}
	if tx.Validated && !tx.Success {
		return VerifyRolledBack
	}
	if !tx.Validated {
		return VerifyPending
	}

	entry, err := n.gateway.QueryChannel(ctx, ledgerChannelID)
	if err != nil {
		log.Warn().Err(err).Str("ledgerChannelId", ledgerChannelID).Msg("channel entry status unavailable")
		return VerifyPending
	}

	validatedSuccess := tx.Validated && tx.Success
	entryRemoved := !entry.Exists
	if validatedSuccess && entryRemoved {
		return VerifyFinalized
	}
	return VerifyPending
}

// verifyOnce acts on the settlement reference held by ch. The transition is
// refused when the stored reference has changed since ch was read.
func (n *Negotiator) verifyOnce(ctx context.Context, ch *model.Channel) VerifyResult {
	result := n.check(ctx, *ch.LedgerChannelID, *ch.SettlementTxRef)
	switch result {
	case VerifyFinalized:
		if _, err := n.finalize(ctx, ch.ID, ch.SettlementTxRef, ch.SettlementPayout); err != nil {
			log.Warn().Err(err).Str("channelId", ch.ID).Str("txRef", *ch.SettlementTxRef).Msg("did not finalize channel")
			return VerifyPending
		}
	case VerifyRolledBack:
		if _, err := n.rollback(ctx, ch.ID, ch.SettlementTxRef, "settlement failed validation"); err != nil {
			log.Warn().Err(err).Str("channelId", ch.ID).Str("txRef", *ch.SettlementTxRef).Msg("did not roll back channel")
			return VerifyPending
		}
	}
	return result
}

// superseded reports whether the channel no longer carries the settlement ref
// a caller verified. A nil ref matches anything.
func superseded(ch *model.Channel, ref *string) bool {
	if ref == nil {
		return false
	}
	return ch.SettlementTxRef == nil || *ch.SettlementTxRef != *ref
}

// VerifySettlement runs one verification round for a Closing channel with a
// recorded settlement reference.
func (n *Negotiator) VerifySettlement(ctx context.Context, ch *model.Channel) VerifyResult {
	if ch.State != model.ChannelStateClosing || ch.SettlementTxRef == nil || ch.LedgerChannelID == nil {
		return VerifyPending
	}
	return n.verifyOnce(ctx, ch)
}

// finalize closes the channel after ref was confirmed. It is a no-op on a
// channel that is no longer Closing.
func (n *Negotiator) finalize(ctx context.Context, channelID string, ref *string, payout *decimal.Decimal) (*model.Channel, error) {
	amount := decimal.Zero
	if payout != nil {
		amount = *payout
	}
	now := n.now()

	var closed *model.Channel
	var already bool
	err := n.store.RunInTx(ctx, func(r repository.Repositories) error {
		ch, err := lockChannel(ctx, r, channelID)
		if err != nil {
			return err
		}
		if superseded(ch, ref) {
			return apperrors.SettlementSuperseded()
		}
		if ch.State != model.ChannelStateClosing {
			closed, already = ch, true
			return nil
		}

		closed, err = r.Channels.Finalize(ctx, channelID, amount, now)
		if err != nil {
			return apperrors.Database(err)
		}
		if _, err := r.Closures.CompleteApproved(ctx, channelID, now); err != nil {
			return apperrors.Database(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return closed, nil
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventChannelClosed,
		ChannelID: channelID,
		Details:   map[string]interface{}{"payout": amount.String()},
	})
	n.events.Publish(ctx, EventChannelClosed, closed, closed)
	return closed, nil
}

// rollback returns a Closing channel to Active and cancels its open requests.
// A non-nil ref must still be the channel's recorded settlement.
func (n *Negotiator) rollback(ctx context.Context, channelID string, ref *string, reason string) (*model.Channel, error) {
	now := n.now()

	var rolled *model.Channel
	var already bool
	err := n.store.RunInTx(ctx, func(r repository.Repositories) error {
		ch, err := lockChannel(ctx, r, channelID)
		if err != nil {
			return err
		}
		if superseded(ch, ref) {
			return apperrors.SettlementSuperseded()
		}
		if ch.State != model.ChannelStateClosing {
			rolled, already = ch, true
			return nil
		}

		rolled, err = r.Channels.RollbackToActive(ctx, channelID, now)
		if err != nil {
			return apperrors.Database(err)
		}
		if _, err := r.Closures.CancelOpen(ctx, channelID, now); err != nil {
			return apperrors.Database(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return rolled, nil
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventClosureRolledBack,
		ChannelID: channelID,
		Details:   map[string]interface{}{"reason": reason},
	})
	n.events.Publish(ctx, EventChannelRolledBack, rolled, rolled)
	return rolled, nil
}

// ExpireActive moves an Active channel past its expiry into Closing with the
// expired flag set, so either party may finalize it.
func (n *Negotiator) ExpireActive(ctx context.Context, channelID string) (bool, error) {
	now := n.now()
	var closing *model.Channel

	err := n.store.RunInTx(ctx, func(r repository.Repositories) error {
		ch, err := lockChannel(ctx, r, channelID)
		if err != nil {
			return err
		}
		if ch.State != model.ChannelStateActive || now.Before(ch.ExpiresAt) {
			return nil
		}
		closing, err = n.enterClosing(ctx, r, ch, now, true)
		return err
	})
	if err != nil || closing == nil {
		return false, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventChannelExpired,
		ChannelID: channelID,
		Details:   map[string]interface{}{"from": string(model.ChannelStateActive)},
	})
	n.events.Publish(ctx, EventChannelExpired, closing, closing)
	return true, nil
}

// FlagExpired marks a Closing channel past its deadline as expired.
func (n *Negotiator) FlagExpired(ctx context.Context, ch *model.Channel) (bool, error) {
	if ch.State != model.ChannelStateClosing || ch.Expired || n.now().Before(ch.Deadline()) {
		return false, nil
	}

	marked, err := n.store.Repositories().Channels.MarkExpired(ctx, ch.ID)
	if err != nil {
		return false, apperrors.Database(err)
	}
	if marked {
		flagged := *ch
		flagged.Expired = true
		audit.Log(ctx, audit.Event{
			Type:      audit.EventChannelExpired,
			ChannelID: ch.ID,
			Details:   map[string]interface{}{"from": string(model.ChannelStateClosing)},
		})
		n.events.Publish(ctx, EventChannelExpired, &flagged, &flagged)
	}
	return marked, nil
}

func payoutString(p *decimal.Decimal) string {
	if p == nil {
		return "none"
	}
	return p.String()
}
