package repository

import (
	"context"

	"github.com/wagechannel/channel-server-go/internal/database"
	"github.com/wagechannel/channel-server-go/internal/model"
)

type DiscrepancyRepository interface {
	Create(ctx context.Context, params model.CreateDiscrepancyParams) (*model.Discrepancy, error)
	FindLatest(ctx context.Context, channelID string, kind model.DiscrepancyKind) (*model.Discrepancy, error)
	ListByChannel(ctx context.Context, channelID string, limit int) ([]model.Discrepancy, error)
}

type discrepancyRepo struct {
	db database.DBTX
}

func newDiscrepancyRepository(db database.DBTX) DiscrepancyRepository {
	return &discrepancyRepo{db: db}
}

func (r *discrepancyRepo) Create(ctx context.Context, params model.CreateDiscrepancyParams) (*model.Discrepancy, error) {
	var d model.Discrepancy
	err := r.db.GetContext(ctx, &d, `
		INSERT INTO discrepancies (id, channel_id, kind, off_ledger_balance, on_ledger_balance, delta, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, params.ID, params.ChannelID, params.Kind, params.OffLedgerBalance, params.OnLedgerBalance,
		params.OnLedgerBalance.Sub(params.OffLedgerBalance), params.DetectedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *discrepancyRepo) FindLatest(ctx context.Context, channelID string, kind model.DiscrepancyKind) (*model.Discrepancy, error) {
	var d model.Discrepancy
	err := r.db.GetContext(ctx, &d, `
		SELECT * FROM discrepancies
		WHERE channel_id = $1 AND kind = $2
		ORDER BY detected_at DESC
		LIMIT 1
	`, channelID, kind)
	return HandleNotFound(&d, err)
}

func (r *discrepancyRepo) ListByChannel(ctx context.Context, channelID string, limit int) ([]model.Discrepancy, error) {
	var ds []model.Discrepancy
	err := r.db.SelectContext(ctx, &ds, `
		SELECT * FROM discrepancies
		WHERE channel_id = $1
		ORDER BY detected_at DESC
		LIMIT $2
	`, channelID, limit)
	return ds, err
}
