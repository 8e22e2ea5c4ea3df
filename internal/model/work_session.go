package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WorkSession is one continuous work interval. Hours and Earnings are set once,
// when the session leaves the open status, and never change afterwards.
type WorkSession struct {
	ID         string           `db:"id" json:"id"`
	ChannelID  string           `db:"channel_id" json:"channelId"`
	WorkerID   string           `db:"worker_id" json:"workerId"`
	HourlyRate decimal.Decimal  `db:"hourly_rate" json:"hourlyRate"`
	ClockInAt  time.Time        `db:"clock_in_at" json:"clockInAt"`
	ClockOutAt *time.Time       `db:"clock_out_at" json:"clockOutAt,omitempty"`
	Hours      *decimal.Decimal `db:"hours" json:"hours,omitempty"`
	Earnings   *decimal.Decimal `db:"earnings" json:"earnings,omitempty"`
	Status     SessionStatus    `db:"status" json:"status"`
	CreatedAt  time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updatedAt"`
}

type CreateWorkSessionParams struct {
	ID         string
	ChannelID  string
	WorkerID   string
	HourlyRate decimal.Decimal
	ClockInAt  time.Time
}

type CompleteWorkSessionParams struct {
	SessionID  string
	ClockOutAt time.Time
	Hours      decimal.Decimal
	Earnings   decimal.Decimal
	Status     SessionStatus
}
