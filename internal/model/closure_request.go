package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ClosureRequest struct {
	ID              string               `db:"id" json:"id"`
	ChannelID       string               `db:"channel_id" json:"channelId"`
	RequesterID     string               `db:"requester_id" json:"requesterId"`
	RequesterRole   Role                 `db:"requester_role" json:"requesterRole"`
	RequestedPayout decimal.Decimal      `db:"requested_payout" json:"requestedPayout"`
	Status          ClosureRequestStatus `db:"status" json:"status"`
	CreatedAt       time.Time            `db:"created_at" json:"createdAt"`
	DecidedAt       *time.Time           `db:"decided_at" json:"decidedAt,omitempty"`
	DecidedBy       *string              `db:"decided_by" json:"decidedBy,omitempty"`
	CompletedAt     *time.Time           `db:"completed_at" json:"completedAt,omitempty"`
	CancelledAt     *time.Time           `db:"cancelled_at" json:"cancelledAt,omitempty"`
	UpdatedAt       time.Time            `db:"updated_at" json:"updatedAt"`
}

type CreateClosureRequestParams struct {
	ID              string
	ChannelID       string
	RequesterID     string
	RequesterRole   Role
	RequestedPayout decimal.Decimal
	CreatedAt       time.Time
}
