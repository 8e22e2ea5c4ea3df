package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wagechannel/channel-server-go/internal/audit"
	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
	"github.com/wagechannel/channel-server-go/internal/ledger"
	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/repository"
)

const defaultDiscrepancyListLimit = 50

type ChannelConfig struct {
	Lifetime          time.Duration
	ActivationTimeout time.Duration
}

type CreateChannelInput struct {
	WorkerID     string          `json:"workerId"`
	HourlyRate   decimal.Decimal `json:"hourlyRate"`
	EscrowAmount decimal.Decimal `json:"escrowAmount"`
}

// ChannelService handles channel creation, ledger confirmation and read models.
type ChannelService struct {
	store   repository.Store
	gateway ledger.Gateway
	events  *EventPublisher
	cfg     ChannelConfig
	now     func() time.Time
}

func NewChannelService(store repository.Store, gateway ledger.Gateway, events *EventPublisher, cfg ChannelConfig) *ChannelService {
	return &ChannelService{
		store:   store,
		gateway: gateway,
		events:  events,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func validateAmount(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return apperrors.InvalidInput(field, "must be greater than zero")
	}
	if !v.Equal(v.Round(amountScale)) {
		return apperrors.InvalidInput(field, "has too many decimal places")
	}
	return nil
}

// CreateChannel records a Draft channel funded by the calling sponsor.
func (s *ChannelService) CreateChannel(ctx context.Context, actor model.Actor, in CreateChannelInput) (*model.Channel, error) {
	if actor.Role != model.RoleSponsor {
		return nil, apperrors.Forbidden("Only sponsors can open channels")
	}

	workerID := strings.TrimSpace(in.WorkerID)
	if workerID == "" {
		return nil, apperrors.MissingRequired("workerId")
	}
	if workerID == actor.ID {
		return nil, apperrors.InvalidInput("workerId", "must differ from the sponsor")
	}
	if err := validateAmount("hourlyRate", in.HourlyRate); err != nil {
		return nil, err
	}
	if err := validateAmount("escrowAmount", in.EscrowAmount); err != nil {
		return nil, err
	}
	if in.EscrowAmount.LessThan(in.HourlyRate) {
		return nil, apperrors.InvalidInput("escrowAmount", "must cover at least one hour")
	}

	now := s.now()
	ch, err := s.store.Repositories().Channels.Create(ctx, model.CreateChannelParams{
		ID:           uuid.NewString(),
		SponsorID:    actor.ID,
		WorkerID:     workerID,
		EscrowAmount: in.EscrowAmount,
		HourlyRate:   in.HourlyRate,
		ExpiresAt:    now.Add(s.cfg.Lifetime),
		CreatedAt:    now,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventChannelCreated,
		ActorID:   actor.ID,
		ChannelID: ch.ID,
		Details: map[string]interface{}{
			"workerId":     workerID,
			"escrowAmount": in.EscrowAmount.String(),
			"hourlyRate":   in.HourlyRate.String(),
		},
	})

	return ch, nil
}

// ConfirmChannel activates a Draft once the ledger reports its channel entry.
// A Draft that cannot be confirmed is discarded and must be recreated.
func (s *ChannelService) ConfirmChannel(ctx context.Context, actor model.Actor, channelID, ledgerChannelID string) (*model.Channel, error) {
	if err := validateID("channelId", channelID); err != nil {
		return nil, err
	}
	ledgerChannelID = strings.TrimSpace(ledgerChannelID)
	if ledgerChannelID == "" {
		return nil, apperrors.MissingRequired("ledgerChannelId")
	}

	repos := s.store.Repositories()
	ch, err := loadForParty(ctx, repos, actor, channelID)
	if err != nil {
		return nil, err
	}
	if ch.SponsorID != actor.ID {
		return nil, apperrors.Forbidden("Only the sponsor can confirm a channel")
	}
	if ch.State != model.ChannelStateDraft {
		if ch.LedgerChannelID != nil && *ch.LedgerChannelID == ledgerChannelID {
			return ch, nil
		}
		return nil, apperrors.New(apperrors.ErrCodeConflict, "Channel is not awaiting confirmation")
	}

	state, err := s.gateway.QueryChannel(ctx, ledgerChannelID)
	if err != nil || !state.Exists {
		s.discard(ctx, ch, "ledger confirmation failed")
		if err != nil {
			return nil, apperrors.ChannelNotConfirmed().WithCause(err)
		}
		return nil, apperrors.ChannelNotConfirmed()
	}

	activated, err := repos.Channels.Activate(ctx, ch.ID, ledgerChannelID, s.now())
	if errors.Is(err, repository.ErrConflict) {
		return nil, apperrors.InvalidInput("ledgerChannelId", "is already bound to another channel")
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if activated == nil {
		return nil, apperrors.New(apperrors.ErrCodeConflict, "Channel is not awaiting confirmation")
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventChannelActivated,
		ActorID:   actor.ID,
		ChannelID: ch.ID,
		Details:   map[string]interface{}{"ledgerChannelId": ledgerChannelID},
	})
	s.events.Publish(ctx, EventChannelActivated, activated, activated)

	return activated, nil
}

func (s *ChannelService) discard(ctx context.Context, ch *model.Channel, reason string) bool {
	deleted, err := s.store.Repositories().Channels.DeleteDraft(ctx, ch.ID)
	if err != nil {
		log.Error().Err(err).Str("channelId", ch.ID).Msg("failed to discard draft channel")
		return false
	}
	if deleted {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventChannelDiscarded,
			ActorID:   ch.SponsorID,
			ChannelID: ch.ID,
			Details:   map[string]interface{}{"reason": reason},
		})
	}
	return deleted
}

// DiscardStaleDrafts removes Drafts never confirmed within the activation timeout.
func (s *ChannelService) DiscardStaleDrafts(ctx context.Context) (int, error) {
	drafts, err := s.store.Repositories().Channels.ListStaleDrafts(ctx, s.now().Add(-s.cfg.ActivationTimeout))
	if err != nil {
		return 0, apperrors.Database(err)
	}

	discarded := 0
	for i := range drafts {
		if s.discard(ctx, &drafts[i], "activation timeout") {
			discarded++
		}
	}
	return discarded, nil
}

func (s *ChannelService) GetChannel(ctx context.Context, actor model.Actor, channelID string) (*model.Channel, error) {
	if err := validateID("channelId", channelID); err != nil {
		return nil, err
	}
	return loadForParty(ctx, s.store.Repositories(), actor, channelID)
}

func (s *ChannelService) GetChannelStatus(ctx context.Context, actor model.Actor, channelID string) (*model.ChannelStatus, error) {
	ch, err := s.GetChannel(ctx, actor, channelID)
	if err != nil {
		return nil, err
	}

	return &model.ChannelStatus{
		ChannelID:        ch.ID,
		State:            ch.State,
		Expired:          ch.Expired,
		OffLedgerBalance: ch.OffLedgerBalance,
		OnLedgerBalance:  ch.OnLedgerBalance,
		RemainingEscrow:  ch.RemainingEscrow(),
		AccruedHours:     ch.AccruedHours,
		Expiry:           ch.Deadline(),
		SettlementTxRef:  ch.SettlementTxRef,
	}, nil
}

func (s *ChannelService) ListChannels(ctx context.Context, actor model.Actor) ([]model.Channel, error) {
	channels, err := s.store.Repositories().Channels.ListByParty(ctx, actor.ID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if channels == nil {
		channels = []model.Channel{}
	}
	return channels, nil
}

func (s *ChannelService) ListDiscrepancies(ctx context.Context, actor model.Actor, channelID string, limit int) ([]model.Discrepancy, error) {
	if err := validateID("channelId", channelID); err != nil {
		return nil, err
	}
	repos := s.store.Repositories()
	if _, err := loadForParty(ctx, repos, actor, channelID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > defaultDiscrepancyListLimit {
		limit = defaultDiscrepancyListLimit
	}

	ds, err := repos.Discrepancies.ListByChannel(ctx, channelID, limit)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if ds == nil {
		ds = []model.Discrepancy{}
	}
	return ds, nil
}
