package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/wagechannel/channel-server-go/internal/audit"
	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
	"github.com/wagechannel/channel-server-go/internal/ledger"
	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/repository"
)

type ReconcilerConfig struct {
	Tolerance   decimal.Decimal
	Concurrency int
}

// ClosureDriver advances channels whose closure depends on time or on the
// ledger. Negotiator implements it.
type ClosureDriver interface {
	ExpireActive(ctx context.Context, channelID string) (bool, error)
	FlagExpired(ctx context.Context, ch *model.Channel) (bool, error)
	VerifySettlement(ctx context.Context, ch *model.Channel) VerifyResult
}

type DraftJanitor interface {
	DiscardStaleDrafts(ctx context.Context) (int, error)
}

// PassReport counts what one reconciliation pass did.
type PassReport struct {
	Checked       int `json:"checked"`
	Mirrored      int `json:"mirrored"`
	Discrepancies int `json:"discrepancies"`
	Expired       int `json:"expired"`
	Finalized     int `json:"finalized"`
	RolledBack    int `json:"rolledBack"`
	Discarded     int `json:"discarded"`
	Failed        int `json:"failed"`
}

func (p *PassReport) add(o PassReport) {
	p.Checked += o.Checked
	p.Mirrored += o.Mirrored
	p.Discrepancies += o.Discrepancies
	p.Expired += o.Expired
	p.Finalized += o.Finalized
	p.RolledBack += o.RolledBack
	p.Failed += o.Failed
}

// Reconciler compares each unsettled channel with the ledger. It can read
// channels and write on_ledger_balance, and has no handle on the accrual path:
// a mismatch is recorded, never corrected.
type Reconciler struct {
	channels      repository.ChannelReader
	mirror        repository.LedgerMirror
	discrepancies repository.DiscrepancyRepository
	gateway       ledger.Gateway
	closures      ClosureDriver
	drafts        DraftJanitor
	cfg           ReconcilerConfig
	now           func() time.Time
}

func NewReconciler(repos repository.Repositories, gateway ledger.Gateway, closures ClosureDriver, drafts DraftJanitor, cfg ReconcilerConfig) *Reconciler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Reconciler{
		channels:      repos.Channels,
		mirror:        repos.Mirror,
		discrepancies: repos.Discrepancies,
		gateway:       gateway,
		closures:      closures,
		drafts:        drafts,
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RunPass reconciles every Active and Closing channel once. Failures on one
// channel are logged and counted without stopping the pass.
func (r *Reconciler) RunPass(ctx context.Context) (PassReport, error) {
	var report PassReport

	if r.drafts != nil {
		n, err := r.drafts.DiscardStaleDrafts(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to discard stale drafts")
		}
		report.Discarded = n
	}

	channels, err := r.channels.ListUnsettled(ctx)
	if err != nil {
		return report, apperrors.Database(err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range channels {
		ch := channels[i]
		g.Go(func() error {
			res := r.reconcile(gctx, &ch)
			mu.Lock()
			report.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.Debug().
		Int("checked", report.Checked).
		Int("mirrored", report.Mirrored).
		Int("discrepancies", report.Discrepancies).
		Int("expired", report.Expired).
		Int("finalized", report.Finalized).
		Int("rolledBack", report.RolledBack).
		Int("discarded", report.Discarded).
		Int("failed", report.Failed).
		Msg("reconciliation pass complete")

	return report, ctx.Err()
}

func (r *Reconciler) reconcile(ctx context.Context, ch *model.Channel) PassReport {
	res := PassReport{Checked: 1}
	logger := log.With().Str("channelId", ch.ID).Logger()

	if ch.LedgerChannelID == nil {
		logger.Error().Msg("unsettled channel has no ledger channel id")
		res.Failed++
		return res
	}

	state, err := r.gateway.QueryChannel(ctx, *ch.LedgerChannelID)
	if err != nil {
		logger.Warn().Err(err).Msg("ledger query failed during reconciliation")
		res.Failed++
		return res
	}

	now := r.now()
	if state.Exists {
		onLedger := state.Balance.Round(amountScale)
		if err := r.mirror.SetOnLedgerBalance(ctx, ch.ID, onLedger, now); err != nil {
			logger.Error().Err(err).Msg("failed to mirror ledger balance")
			res.Failed++
			return res
		}
		res.Mirrored++

		if onLedger.Sub(ch.OffLedgerBalance).Abs().GreaterThan(r.cfg.Tolerance) {
			recorded, err := r.record(ctx, ch, model.DiscrepancyBalanceMismatch, onLedger, now)
			if err != nil {
				logger.Error().Err(err).Msg("failed to record balance discrepancy")
				res.Failed++
			} else if recorded {
				res.Discrepancies++
			}
		}
	} else if ch.SettlementTxRef == nil {
		recorded, err := r.record(ctx, ch, model.DiscrepancyLedgerEntryMissing, decimal.Zero, now)
		if err != nil {
			logger.Error().Err(err).Msg("failed to record missing ledger entry")
			res.Failed++
		} else if recorded {
			res.Discrepancies++
		}
	}

	switch ch.State {
	case model.ChannelStateActive:
		if now.Before(ch.ExpiresAt) {
			return res
		}
		expired, err := r.closures.ExpireActive(ctx, ch.ID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to expire channel")
			res.Failed++
		} else if expired {
			res.Expired++
		}

	case model.ChannelStateClosing:
		flagged, err := r.closures.FlagExpired(ctx, ch)
		if err != nil {
			logger.Error().Err(err).Msg("failed to flag expired channel")
			res.Failed++
		} else if flagged {
			res.Expired++
		}

		if ch.SettlementTxRef != nil {
			switch r.closures.VerifySettlement(ctx, ch) {
			case VerifyFinalized:
				res.Finalized++
			case VerifyRolledBack:
				res.RolledBack++
			}
		}
	}

	return res
}

// record stores a discrepancy unless the latest one of the same kind already
// describes the same pair of balances.
func (r *Reconciler) record(ctx context.Context, ch *model.Channel, kind model.DiscrepancyKind, onLedger decimal.Decimal, at time.Time) (bool, error) {
	latest, err := r.discrepancies.FindLatest(ctx, ch.ID, kind)
	if err != nil {
		return false, err
	}
	if latest != nil && latest.OffLedgerBalance.Equal(ch.OffLedgerBalance) && latest.OnLedgerBalance.Equal(onLedger) {
		return false, nil
	}

	d, err := r.discrepancies.Create(ctx, model.CreateDiscrepancyParams{
		ID:               uuid.NewString(),
		ChannelID:        ch.ID,
		Kind:             kind,
		OffLedgerBalance: ch.OffLedgerBalance,
		OnLedgerBalance:  onLedger,
		DetectedAt:       at,
	})
	if err != nil {
		return false, err
	}

	log.Warn().
		Str("channelId", ch.ID).
		Str("kind", string(kind)).
		Str("offLedger", d.OffLedgerBalance.String()).
		Str("onLedger", d.OnLedgerBalance.String()).
		Str("delta", d.Delta.String()).
		Msg("ledger discrepancy detected")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventDiscrepancyFound,
		ChannelID: ch.ID,
		Details: map[string]interface{}{
			"kind":  string(kind),
			"delta": d.Delta.String(),
		},
	})
	return true, nil
}
