package memory

import (
	"context"
	"sort"
	"time"

	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/repository"
)

type closureRequestRepo struct {
	with access
}

func (r *closureRequestRepo) FindByID(ctx context.Context, id string) (*model.ClosureRequest, error) {
	var out *model.ClosureRequest
	err := r.with(func(st *state) error {
		if req, ok := st.closures[id]; ok {
			out = &req
		}
		return nil
	})
	return out, err
}

func (r *closureRequestRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.ClosureRequest, error) {
	return r.FindByID(ctx, id)
}

func (r *closureRequestRepo) FindPending(ctx context.Context, channelID string) (*model.ClosureRequest, error) {
	var out *model.ClosureRequest
	err := r.with(func(st *state) error {
		for _, req := range st.closures {
			if req.ChannelID == channelID && req.Status == model.ClosureStatusPending {
				out = &req
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r *closureRequestRepo) ListByChannel(ctx context.Context, channelID string) ([]model.ClosureRequest, error) {
	var out []model.ClosureRequest
	err := r.with(func(st *state) error {
		for _, req := range st.closures {
			if req.ChannelID == channelID {
				out = append(out, req)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (r *closureRequestRepo) Create(ctx context.Context, params model.CreateClosureRequestParams) (*model.ClosureRequest, error) {
	req := model.ClosureRequest{
		ID:              params.ID,
		ChannelID:       params.ChannelID,
		RequesterID:     params.RequesterID,
		RequesterRole:   params.RequesterRole,
		RequestedPayout: params.RequestedPayout,
		Status:          model.ClosureStatusPending,
		CreatedAt:       params.CreatedAt,
		UpdatedAt:       params.CreatedAt,
	}
	err := r.with(func(st *state) error {
		for _, other := range st.closures {
			if other.ChannelID == req.ChannelID && other.Status == model.ClosureStatusPending {
				return repository.ErrConflict
			}
		}
		st.closures[req.ID] = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *closureRequestRepo) transition(id string, fn func(*model.ClosureRequest)) (*model.ClosureRequest, error) {
	var out *model.ClosureRequest
	err := r.with(func(st *state) error {
		req, ok := st.closures[id]
		if !ok || req.Status != model.ClosureStatusPending {
			return nil
		}
		fn(&req)
		st.closures[id] = req
		out = &req
		return nil
	})
	return out, err
}

func (r *closureRequestRepo) Decide(ctx context.Context, id string, status model.ClosureRequestStatus, decidedBy string, at time.Time) (*model.ClosureRequest, error) {
	return r.transition(id, func(req *model.ClosureRequest) {
		req.Status = status
		req.DecidedBy = &decidedBy
		req.DecidedAt = &at
		req.UpdatedAt = at
	})
}

func (r *closureRequestRepo) Cancel(ctx context.Context, id string, at time.Time) (*model.ClosureRequest, error) {
	return r.transition(id, func(req *model.ClosureRequest) {
		req.Status = model.ClosureStatusCancelled
		req.CancelledAt = &at
		req.UpdatedAt = at
	})
}

func (r *closureRequestRepo) CancelOpen(ctx context.Context, channelID string, at time.Time) (int64, error) {
	var n int64
	err := r.with(func(st *state) error {
		for id, req := range st.closures {
			if req.ChannelID != channelID {
				continue
			}
			if req.Status == model.ClosureStatusPending || req.Status == model.ClosureStatusApproved {
				req.Status = model.ClosureStatusCancelled
				req.CancelledAt = &at
				req.UpdatedAt = at
				st.closures[id] = req
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *closureRequestRepo) CompleteApproved(ctx context.Context, channelID string, at time.Time) (int64, error) {
	var n int64
	err := r.with(func(st *state) error {
		for id, req := range st.closures {
			if req.ChannelID != channelID {
				continue
			}
			switch req.Status {
			case model.ClosureStatusApproved:
				req.Status = model.ClosureStatusCompleted
				req.CompletedAt = &at
			case model.ClosureStatusPending:
				req.Status = model.ClosureStatusCancelled
				req.CancelledAt = &at
			default:
				continue
			}
			req.UpdatedAt = at
			st.closures[id] = req
			n++
		}
		return nil
	})
	return n, err
}
