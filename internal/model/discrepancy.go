package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Discrepancy is an audit record of the two balances disagreeing. It is never
// used to correct either balance.
type Discrepancy struct {
	ID               string          `db:"id" json:"id"`
	ChannelID        string          `db:"channel_id" json:"channelId"`
	Kind             DiscrepancyKind `db:"kind" json:"kind"`
	OffLedgerBalance decimal.Decimal `db:"off_ledger_balance" json:"offLedgerBalance"`
	OnLedgerBalance  decimal.Decimal `db:"on_ledger_balance" json:"onLedgerBalance"`
	Delta            decimal.Decimal `db:"delta" json:"delta"`
	DetectedAt       time.Time       `db:"detected_at" json:"detectedAt"`
}

type CreateDiscrepancyParams struct {
	ID               string
	ChannelID        string
	Kind             DiscrepancyKind
	OffLedgerBalance decimal.Decimal
	OnLedgerBalance  decimal.Decimal
	DetectedAt       time.Time
}
