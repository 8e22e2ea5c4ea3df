package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/repository"
)

type workSessionRepo struct {
	with access
}

func (r *workSessionRepo) FindByID(ctx context.Context, id string) (*model.WorkSession, error) {
	var out *model.WorkSession
	err := r.with(func(st *state) error {
		if s, ok := st.sessions[id]; ok {
			out = &s
		}
		return nil
	})
	return out, err
}

func (r *workSessionRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.WorkSession, error) {
	return r.FindByID(ctx, id)
}

func (r *workSessionRepo) list(match func(model.WorkSession) bool) ([]model.WorkSession, error) {
	var out []model.WorkSession
	err := r.with(func(st *state) error {
		for _, s := range st.sessions {
			if match(s) {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ClockInAt.Before(out[j].ClockInAt) })
	return out, err
}

func (r *workSessionRepo) FindOpen(ctx context.Context, workerID, channelID string) (*model.WorkSession, error) {
	open, err := r.list(func(s model.WorkSession) bool {
		return s.WorkerID == workerID && s.ChannelID == channelID && s.Status == model.SessionStatusOpen
	})
	if err != nil || len(open) == 0 {
		return nil, err
	}
	return &open[0], nil
}

func (r *workSessionRepo) ListOpenByChannel(ctx context.Context, channelID string) ([]model.WorkSession, error) {
	return r.list(func(s model.WorkSession) bool {
		return s.ChannelID == channelID && s.Status == model.SessionStatusOpen
	})
}

func (r *workSessionRepo) ListOpenStartedBefore(ctx context.Context, before time.Time) ([]model.WorkSession, error) {
	return r.list(func(s model.WorkSession) bool {
		return s.Status == model.SessionStatusOpen && s.ClockInAt.Before(before)
	})
}

func (r *workSessionRepo) ListByChannel(ctx context.Context, channelID string, limit int) ([]model.WorkSession, error) {
	out, err := r.list(func(s model.WorkSession) bool { return s.ChannelID == channelID })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *workSessionRepo) SumClosedHoursSince(ctx context.Context, workerID string, since time.Time) (decimal.Decimal, error) {
	closed, err := r.list(func(s model.WorkSession) bool {
		return s.WorkerID == workerID && s.Status != model.SessionStatusOpen &&
			s.ClockOutAt != nil && !s.ClockOutAt.Before(since)
	})
	total := decimal.Zero
	for _, s := range closed {
		switch {
		case !s.ClockInAt.Before(since):
			if s.Hours != nil {
				total = total.Add(*s.Hours)
			}
		default:
			seconds := decimal.NewFromFloat(s.ClockOutAt.Sub(since).Seconds())
			total = total.Add(seconds.Div(decimal.NewFromInt(3600)).Round(6))
		}
	}
	return total, err
}

func (r *workSessionRepo) Create(ctx context.Context, params model.CreateWorkSessionParams) (*model.WorkSession, error) {
	s := model.WorkSession{
		ID:         params.ID,
		ChannelID:  params.ChannelID,
		WorkerID:   params.WorkerID,
		HourlyRate: params.HourlyRate,
		ClockInAt:  params.ClockInAt,
		Status:     model.SessionStatusOpen,
		CreatedAt:  params.ClockInAt,
		UpdatedAt:  params.ClockInAt,
	}
	err := r.with(func(st *state) error {
		for _, other := range st.sessions {
			if other.WorkerID == s.WorkerID && other.ChannelID == s.ChannelID && other.Status == model.SessionStatusOpen {
				return repository.ErrConflict
			}
		}
		st.sessions[s.ID] = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *workSessionRepo) Complete(ctx context.Context, params model.CompleteWorkSessionParams) (*model.WorkSession, error) {
	var out *model.WorkSession
	err := r.with(func(st *state) error {
		s, ok := st.sessions[params.SessionID]
		if !ok || s.Status != model.SessionStatusOpen {
			return nil
		}
		clockOut, hours, earnings := params.ClockOutAt, params.Hours, params.Earnings
		s.Status = params.Status
		s.ClockOutAt = &clockOut
		s.Hours = &hours
		s.Earnings = &earnings
		s.UpdatedAt = time.Now().UTC()
		st.sessions[s.ID] = s
		out = &s
		return nil
	})
	return out, err
}
