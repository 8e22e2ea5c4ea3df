package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wagechannel/channel-server-go/internal/database"
	"github.com/wagechannel/channel-server-go/internal/model"
)

type WorkSessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.WorkSession, error)
	FindByIDForUpdate(ctx context.Context, id string) (*model.WorkSession, error)
	FindOpen(ctx context.Context, workerID, channelID string) (*model.WorkSession, error)
	ListOpenByChannel(ctx context.Context, channelID string) ([]model.WorkSession, error)
	ListOpenStartedBefore(ctx context.Context, before time.Time) ([]model.WorkSession, error)
	ListByChannel(ctx context.Context, channelID string, limit int) ([]model.WorkSession, error)
	// SumClosedHoursSince totals hours the worker's finished sessions spent at or
	// after since, across all channels. A session that straddles since counts
	// only its part after since.
	SumClosedHoursSince(ctx context.Context, workerID string, since time.Time) (decimal.Decimal, error)
	// Create returns ErrConflict when the worker already has an open session on the channel.
	Create(ctx context.Context, params model.CreateWorkSessionParams) (*model.WorkSession, error)
	// Complete closes an open session. Returns nil when the session is no longer open.
	Complete(ctx context.Context, params model.CompleteWorkSessionParams) (*model.WorkSession, error)
}

type workSessionRepo struct {
	db database.DBTX
}

func newWorkSessionRepository(db database.DBTX) WorkSessionRepository {
	return &workSessionRepo{db: db}
}

func (r *workSessionRepo) FindByID(ctx context.Context, id string) (*model.WorkSession, error) {
	var s model.WorkSession
	err := r.db.GetContext(ctx, &s, `SELECT * FROM work_sessions WHERE id = $1`, id)
	return HandleNotFound(&s, err)
}

func (r *workSessionRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.WorkSession, error) {
	var s model.WorkSession
	err := r.db.GetContext(ctx, &s, `SELECT * FROM work_sessions WHERE id = $1 FOR UPDATE`, id)
	return HandleNotFound(&s, err)
}

func (r *workSessionRepo) FindOpen(ctx context.Context, workerID, channelID string) (*model.WorkSession, error) {
	var s model.WorkSession
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM work_sessions
		WHERE worker_id = $1 AND channel_id = $2 AND status = 'open'
	`, workerID, channelID)
	return HandleNotFound(&s, err)
}

func (r *workSessionRepo) ListOpenByChannel(ctx context.Context, channelID string) ([]model.WorkSession, error) {
	var sessions []model.WorkSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM work_sessions
		WHERE channel_id = $1 AND status = 'open'
		ORDER BY clock_in_at
	`, channelID)
	return sessions, err
}

func (r *workSessionRepo) ListOpenStartedBefore(ctx context.Context, before time.Time) ([]model.WorkSession, error) {
	var sessions []model.WorkSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM work_sessions
		WHERE status = 'open' AND clock_in_at < $1
		ORDER BY clock_in_at
	`, before)
	return sessions, err
}

func (r *workSessionRepo) ListByChannel(ctx context.Context, channelID string, limit int) ([]model.WorkSession, error) {
	var sessions []model.WorkSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM work_sessions
		WHERE channel_id = $1
		ORDER BY clock_in_at DESC
		LIMIT $2
	`, channelID, limit)
	return sessions, err
}

func (r *workSessionRepo) SumClosedHoursSince(ctx context.Context, workerID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(
			CASE WHEN clock_in_at >= $2 THEN hours
			ELSE ROUND((EXTRACT(EPOCH FROM (clock_out_at - $2)) / 3600)::numeric, 6)
			END
		), 0) FROM work_sessions
		WHERE worker_id = $1 AND status <> 'open' AND clock_out_at >= $2
	`, workerID, since)
	return total, err
}

func (r *workSessionRepo) Create(ctx context.Context, params model.CreateWorkSessionParams) (*model.WorkSession, error) {
	var s model.WorkSession
	err := r.db.GetContext(ctx, &s, `
		INSERT INTO work_sessions (id, channel_id, worker_id, hourly_rate, clock_in_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, $5)
		RETURNING *
	`, params.ID, params.ChannelID, params.WorkerID, params.HourlyRate, params.ClockInAt)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	return &s, nil
}

func (r *workSessionRepo) Complete(ctx context.Context, params model.CompleteWorkSessionParams) (*model.WorkSession, error) {
	var s model.WorkSession
	err := r.db.GetContext(ctx, &s, `
		UPDATE work_sessions SET
			status = $2,
			clock_out_at = $3,
			hours = $4,
			earnings = $5,
			updated_at = NOW()
		WHERE id = $1 AND status = 'open'
		RETURNING *
	`, params.SessionID, params.Status, params.ClockOutAt, params.Hours, params.Earnings)
	return HandleNotFound(&s, err)
}
