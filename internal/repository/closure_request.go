package repository

import (
	"context"
	"time"

	"github.com/wagechannel/channel-server-go/internal/database"
	"github.com/wagechannel/channel-server-go/internal/model"
)

type ClosureRequestRepository interface {
	FindByID(ctx context.Context, id string) (*model.ClosureRequest, error)
	FindByIDForUpdate(ctx context.Context, id string) (*model.ClosureRequest, error)
	FindPending(ctx context.Context, channelID string) (*model.ClosureRequest, error)
	ListByChannel(ctx context.Context, channelID string) ([]model.ClosureRequest, error)
	// Create returns ErrConflict when the channel already has a pending request.
	Create(ctx context.Context, params model.CreateClosureRequestParams) (*model.ClosureRequest, error)
	// Decide moves a pending request to approved or rejected. Returns nil when it is no longer pending.
	Decide(ctx context.Context, id string, status model.ClosureRequestStatus, decidedBy string, at time.Time) (*model.ClosureRequest, error)
	// Cancel cancels a pending request. Returns nil when it is no longer pending.
	Cancel(ctx context.Context, id string, at time.Time) (*model.ClosureRequest, error)
	// CancelOpen cancels every pending or approved request of the channel.
	CancelOpen(ctx context.Context, channelID string, at time.Time) (int64, error)
	// CompleteApproved completes approved requests and cancels pending ones.
	CompleteApproved(ctx context.Context, channelID string, at time.Time) (int64, error)
}

type closureRequestRepo struct {
	db database.DBTX
}

func newClosureRequestRepository(db database.DBTX) ClosureRequestRepository {
	return &closureRequestRepo{db: db}
}

func (r *closureRequestRepo) FindByID(ctx context.Context, id string) (*model.ClosureRequest, error) {
	var req model.ClosureRequest
	err := r.db.GetContext(ctx, &req, `SELECT * FROM closure_requests WHERE id = $1`, id)
	return HandleNotFound(&req, err)
}

func (r *closureRequestRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.ClosureRequest, error) {
	var req model.ClosureRequest
	err := r.db.GetContext(ctx, &req, `SELECT * FROM closure_requests WHERE id = $1 FOR UPDATE`, id)
	return HandleNotFound(&req, err)
}

func (r *closureRequestRepo) FindPending(ctx context.Context, channelID string) (*model.ClosureRequest, error) {
	var req model.ClosureRequest
	err := r.db.GetContext(ctx, &req, `
		SELECT * FROM closure_requests WHERE channel_id = $1 AND status = 'pending'
	`, channelID)
	return HandleNotFound(&req, err)
}

func (r *closureRequestRepo) ListByChannel(ctx context.Context, channelID string) ([]model.ClosureRequest, error) {
	var reqs []model.ClosureRequest
	err := r.db.SelectContext(ctx, &reqs, `
		SELECT * FROM closure_requests WHERE channel_id = $1 ORDER BY created_at DESC
	`, channelID)
	return reqs, err
}

func (r *closureRequestRepo) Create(ctx context.Context, params model.CreateClosureRequestParams) (*model.ClosureRequest, error) {
	var req model.ClosureRequest
	err := r.db.GetContext(ctx, &req, `
		INSERT INTO closure_requests (id, channel_id, requester_id, requester_role, requested_payout, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING *
	`, params.ID, params.ChannelID, params.RequesterID, params.RequesterRole, params.RequestedPayout, params.CreatedAt)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	return &req, nil
}

func (r *closureRequestRepo) Decide(ctx context.Context, id string, status model.ClosureRequestStatus, decidedBy string, at time.Time) (*model.ClosureRequest, error) {
	var req model.ClosureRequest
	err := r.db.GetContext(ctx, &req, `
		UPDATE closure_requests SET
			status = $2,
			decided_by = $3,
			decided_at = $4,
			updated_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING *
	`, id, status, decidedBy, at)
	return HandleNotFound(&req, err)
}

func (r *closureRequestRepo) Cancel(ctx context.Context, id string, at time.Time) (*model.ClosureRequest, error) {
	var req model.ClosureRequest
	err := r.db.GetContext(ctx, &req, `
		UPDATE closure_requests SET
			status = 'cancelled',
			cancelled_at = $2,
			updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING *
	`, id, at)
	return HandleNotFound(&req, err)
}

func (r *closureRequestRepo) CancelOpen(ctx context.Context, channelID string, at time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		UPDATE closure_requests SET
			status = 'cancelled',
			cancelled_at = $2,
			updated_at = $2
		WHERE channel_id = $1 AND status IN ('pending', 'approved')
	`, channelID, at))
}

func (r *closureRequestRepo) CompleteApproved(ctx context.Context, channelID string, at time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		UPDATE closure_requests SET
			status = CASE WHEN status = 'approved' THEN 'completed' ELSE 'cancelled' END,
			completed_at = CASE WHEN status = 'approved' THEN $2 ELSE completed_at END,
			cancelled_at = CASE WHEN status = 'pending' THEN $2 ELSE cancelled_at END,
			updated_at = $2
		WHERE channel_id = $1 AND status IN ('pending', 'approved')
	`, channelID, at))
}
