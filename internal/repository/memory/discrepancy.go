package memory

import (
	"context"

	"github.com/wagechannel/channel-server-go/internal/model"
)

type discrepancyRepo struct {
	with access
}

func (r *discrepancyRepo) Create(ctx context.Context, params model.CreateDiscrepancyParams) (*model.Discrepancy, error) {
	d := model.Discrepancy{
		ID:               params.ID,
		ChannelID:        params.ChannelID,
		Kind:             params.Kind,
		OffLedgerBalance: params.OffLedgerBalance,
		OnLedgerBalance:  params.OnLedgerBalance,
		Delta:            params.OnLedgerBalance.Sub(params.OffLedgerBalance),
		DetectedAt:       params.DetectedAt,
	}
	err := r.with(func(st *state) error {
		st.discrepancies = append(st.discrepancies, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *discrepancyRepo) FindLatest(ctx context.Context, channelID string, kind model.DiscrepancyKind) (*model.Discrepancy, error) {
	var out *model.Discrepancy
	err := r.with(func(st *state) error {
		for i := len(st.discrepancies) - 1; i >= 0; i-- {
			d := st.discrepancies[i]
			if d.ChannelID == channelID && d.Kind == kind {
				out = &d
				return nil
			}
		}
		return nil
	})
	return out, err
}

// ListByChannel returns newest first.
func (r *discrepancyRepo) ListByChannel(ctx context.Context, channelID string, limit int) ([]model.Discrepancy, error) {
	var out []model.Discrepancy
	err := r.with(func(st *state) error {
		for i := len(st.discrepancies) - 1; i >= 0; i-- {
			if limit > 0 && len(out) == limit {
				break
			}
			if st.discrepancies[i].ChannelID == channelID {
				out = append(out, st.discrepancies[i])
			}
		}
		return nil
	})
	return out, err
}
