package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wagechannel/channel-server-go/internal/database"
	"github.com/wagechannel/channel-server-go/internal/model"
)

// ChannelReader is the read-only view of channels.
type ChannelReader interface {
	FindByID(ctx context.Context, id string) (*model.Channel, error)
	ListByParty(ctx context.Context, actorID string) ([]model.Channel, error)
	// ListUnsettled returns Active and Closing channels.
	ListUnsettled(ctx context.Context) ([]model.Channel, error)
	ListStaleDrafts(ctx context.Context, createdBefore time.Time) ([]model.Channel, error)
}

// ChannelRepository drives the channel lifecycle. It never writes
// on_ledger_balance, and it touches off_ledger_balance only in Finalize.
type ChannelRepository interface {
	ChannelReader
	// FindByIDForUpdate locks the channel row until the surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, id string) (*model.Channel, error)
	Create(ctx context.Context, params model.CreateChannelParams) (*model.Channel, error)
	// Activate moves a Draft channel to Active. Returns nil when the channel is not a Draft.
	Activate(ctx context.Context, id string, ledgerChannelID string, at time.Time) (*model.Channel, error)
	DeleteDraft(ctx context.Context, id string) (bool, error)
	// BeginClosing moves an Active channel to Closing. Returns nil when the channel is not Active.
	BeginClosing(ctx context.Context, params model.BeginClosingParams) (*model.Channel, error)
	// ClaimSubmission reserves the right to submit the settlement of a Closing
	// channel that has no settlement reference yet. A claim older than
	// staleBefore is treated as abandoned and may be taken over.
	ClaimSubmission(ctx context.Context, id string, at, staleBefore time.Time) (bool, error)
	// ReleaseSubmission drops an unfulfilled claim.
	ReleaseSubmission(ctx context.Context, id string) error
	// SetSettlement records the submitted transaction. It only fills a claimed
	// slot that has no reference yet.
	SetSettlement(ctx context.Context, id string, txRef string, payout *decimal.Decimal) (bool, error)
	MarkExpired(ctx context.Context, id string) (bool, error)
	RollbackToActive(ctx context.Context, id string, at time.Time) (*model.Channel, error)
	// Finalize closes a Closing channel, zeroes off_ledger_balance and adds payout to
	// paid_out_amount. Returns nil when the channel is not Closing.
	Finalize(ctx context.Context, id string, payout decimal.Decimal, at time.Time) (*model.Channel, error)
}

type channelRepo struct {
	db database.DBTX
}

func newChannelRepository(db database.DBTX) ChannelRepository {
	return &channelRepo{db: db}
}

func (r *channelRepo) FindByID(ctx context.Context, id string) (*model.Channel, error) {
	var ch model.Channel
	err := r.db.GetContext(ctx, &ch, `SELECT * FROM channels WHERE id = $1`, id)
	return HandleNotFound(&ch, err)
}

func (r *channelRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Channel, error) {
	var ch model.Channel
	err := r.db.GetContext(ctx, &ch, `SELECT * FROM channels WHERE id = $1 FOR UPDATE`, id)
	return HandleNotFound(&ch, err)
}

func (r *channelRepo) ListByParty(ctx context.Context, actorID string) ([]model.Channel, error) {
	var channels []model.Channel
	err := r.db.SelectContext(ctx, &channels, `
		SELECT * FROM channels
		WHERE sponsor_id = $1 OR worker_id = $1
		ORDER BY created_at DESC
	`, actorID)
	return channels, err
}

func (r *channelRepo) ListUnsettled(ctx context.Context) ([]model.Channel, error) {
	var channels []model.Channel
	err := r.db.SelectContext(ctx, &channels, `
		SELECT * FROM channels
		WHERE state IN ('active', 'closing')
		ORDER BY created_at
	`)
	return channels, err
}

func (r *channelRepo) ListStaleDrafts(ctx context.Context, createdBefore time.Time) ([]model.Channel, error) {
	var channels []model.Channel
	err := r.db.SelectContext(ctx, &channels, `
		SELECT * FROM channels
		WHERE state = 'draft' AND created_at < $1
		ORDER BY created_at
	`, createdBefore)
	return channels, err
}

func (r *channelRepo) Create(ctx context.Context, params model.CreateChannelParams) (*model.Channel, error) {
	var ch model.Channel
	err := r.db.GetContext(ctx, &ch, `
		INSERT INTO channels (id, sponsor_id, worker_id, escrow_amount, hourly_rate, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING *
	`, params.ID, params.SponsorID, params.WorkerID, params.EscrowAmount, params.HourlyRate, params.ExpiresAt, params.CreatedAt)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	return &ch, nil
}

func (r *channelRepo) Activate(ctx context.Context, id string, ledgerChannelID string, at time.Time) (*model.Channel, error) {
	var ch model.Channel
	err := r.db.GetContext(ctx, &ch, `
		UPDATE channels SET
			state = 'active',
			ledger_channel_id = $2,
			activated_at = $3,
			updated_at = $3
		WHERE id = $1 AND state = 'draft'
		RETURNING *
	`, id, ledgerChannelID, at)
	result, err := HandleNotFound(&ch, err)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	return result, nil
}

func (r *channelRepo) DeleteDraft(ctx context.Context, id string) (bool, error) {
	n, err := rowsAffected(r.db.ExecContext(ctx, `
		DELETE FROM channels WHERE id = $1 AND state = 'draft'
	`, id))
	return n > 0, err
}

func (r *channelRepo) BeginClosing(ctx context.Context, params model.BeginClosingParams) (*model.Channel, error) {
	var ch model.Channel
	err := r.db.GetContext(ctx, &ch, `
		UPDATE channels SET
			state = 'closing',
			expired = $4,
			closing_initiated_at = $2,
			closing_deadline = $3,
			settlement_tx_ref = NULL,
			settlement_payout = NULL,
			submission_claimed_at = NULL,
			updated_at = $2
		WHERE id = $1 AND state = 'active'
		RETURNING *
	`, params.ChannelID, params.InitiatedAt, params.Deadline, params.Expired)
	return HandleNotFound(&ch, err)
}

func (r *channelRepo) ClaimSubmission(ctx context.Context, id string, at, staleBefore time.Time) (bool, error) {
	n, err := rowsAffected(r.db.ExecContext(ctx, `
		UPDATE channels SET submission_claimed_at = $2, updated_at = $2
		WHERE id = $1 AND state = 'closing' AND settlement_tx_ref IS NULL
			AND (submission_claimed_at IS NULL OR submission_claimed_at < $3)
	`, id, at, staleBefore))
	return n > 0, err
}

func (r *channelRepo) ReleaseSubmission(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE channels SET submission_claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND settlement_tx_ref IS NULL
	`, id)
	return err
}

func (r *channelRepo) SetSettlement(ctx context.Context, id string, txRef string, payout *decimal.Decimal) (bool, error) {
	n, err := rowsAffected(r.db.ExecContext(ctx, `
		UPDATE channels SET
			settlement_tx_ref = $2,
			settlement_payout = $3,
			updated_at = NOW()
		WHERE id = $1 AND state = 'closing'
			AND settlement_tx_ref IS NULL AND submission_claimed_at IS NOT NULL
	`, id, txRef, payout))
	return n > 0, err
}

func (r *channelRepo) MarkExpired(ctx context.Context, id string) (bool, error) {
	n, err := rowsAffected(r.db.ExecContext(ctx, `
		UPDATE channels SET expired = TRUE, updated_at = NOW()
		WHERE id = $1 AND state = 'closing' AND NOT expired
	`, id))
	return n > 0, err
}

func (r *channelRepo) RollbackToActive(ctx context.Context, id string, at time.Time) (*model.Channel, error) {
	var ch model.Channel
	err := r.db.GetContext(ctx, &ch, `
		UPDATE channels SET
			state = 'active',
			expired = FALSE,
			closing_initiated_at = NULL,
			closing_deadline = NULL,
			settlement_tx_ref = NULL,
			settlement_payout = NULL,
			submission_claimed_at = NULL,
			updated_at = $2
		WHERE id = $1 AND state = 'closing'
		RETURNING *
	`, id, at)
	return HandleNotFound(&ch, err)
}

func (r *channelRepo) Finalize(ctx context.Context, id string, payout decimal.Decimal, at time.Time) (*model.Channel, error) {
	var ch model.Channel
	err := r.db.GetContext(ctx, &ch, `
		UPDATE channels SET
			state = 'closed',
			off_ledger_balance = 0,
			paid_out_amount = paid_out_amount + $2,
			closed_at = $3,
			updated_at = $3
		WHERE id = $1 AND state = 'closing'
		RETURNING *
	`, id, payout, at)
	return HandleNotFound(&ch, err)
}
