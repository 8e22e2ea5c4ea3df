package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel is one escrow-backed payment relationship between a sponsor and a worker.
//
// OffLedgerBalance is the authoritative payout figure and is written only by the
// accrual path and by settlement finalization. OnLedgerBalance mirrors the value
// last observed on the ledger and is written only by reconciliation.
type Channel struct {
	ID                 string           `db:"id" json:"id"`
	LedgerChannelID    *string          `db:"ledger_channel_id" json:"ledgerChannelId,omitempty"`
	SponsorID          string           `db:"sponsor_id" json:"sponsorId"`
	WorkerID           string           `db:"worker_id" json:"workerId"`
	EscrowAmount       decimal.Decimal  `db:"escrow_amount" json:"escrowAmount"`
	HourlyRate         decimal.Decimal  `db:"hourly_rate" json:"hourlyRate"`
	State              ChannelState     `db:"state" json:"state"`
	Expired            bool             `db:"expired" json:"expired"`
	OffLedgerBalance   decimal.Decimal  `db:"off_ledger_balance" json:"offLedgerBalance"`
	OnLedgerBalance    decimal.Decimal  `db:"on_ledger_balance" json:"onLedgerBalance"`
	AccruedHours       decimal.Decimal  `db:"accrued_hours" json:"accruedHours"`
	PaidOutAmount      decimal.Decimal  `db:"paid_out_amount" json:"paidOutAmount"`
	ExpiresAt          time.Time        `db:"expires_at" json:"expiresAt"`
	ClosingInitiatedAt *time.Time       `db:"closing_initiated_at" json:"closingInitiatedAt,omitempty"`
	ClosingDeadline    *time.Time       `db:"closing_deadline" json:"closingDeadline,omitempty"`
	SettlementTxRef    *string          `db:"settlement_tx_ref" json:"settlementTxRef,omitempty"`
	SettlementPayout   *decimal.Decimal `db:"settlement_payout" json:"settlementPayout,omitempty"`
	SubmissionClaimAt  *time.Time       `db:"submission_claimed_at" json:"-"`
	OnLedgerSyncedAt   *time.Time       `db:"on_ledger_synced_at" json:"onLedgerSyncedAt,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"createdAt"`
	ActivatedAt        *time.Time       `db:"activated_at" json:"activatedAt,omitempty"`
	ClosedAt           *time.Time       `db:"closed_at" json:"closedAt,omitempty"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updatedAt"`
}

// RemainingEscrow is the escrow not yet committed to accrued wages.
func (c *Channel) RemainingEscrow() decimal.Decimal {
	return c.EscrowAmount.Sub(c.OffLedgerBalance)
}

func (c *Channel) IsParty(actorID string) bool {
	return actorID == c.SponsorID || actorID == c.WorkerID
}

// RoleOf returns the role actorID plays on this channel, or "" for non-parties.
func (c *Channel) RoleOf(actorID string) Role {
	switch actorID {
	case c.SponsorID:
		return RoleSponsor
	case c.WorkerID:
		return RoleWorker
	}
	return ""
}

// Deadline is the instant after which a Closing channel counts as expired.
func (c *Channel) Deadline() time.Time {
	if c.ClosingDeadline != nil {
		return *c.ClosingDeadline
	}
	return c.ExpiresAt
}

type CreateChannelParams struct {
	ID           string
	SponsorID    string
	WorkerID     string
	EscrowAmount decimal.Decimal
	HourlyRate   decimal.Decimal
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

type BeginClosingParams struct {
	ChannelID   string
	InitiatedAt time.Time
	Deadline    time.Time
	Expired     bool
}

// ChannelStatus is the read model returned to dashboards.
type ChannelStatus struct {
	ChannelID        string          `json:"channelId"`
	State            ChannelState    `json:"state"`
	Expired          bool            `json:"expired"`
	OffLedgerBalance decimal.Decimal `json:"offLedgerBalance"`
	OnLedgerBalance  decimal.Decimal `json:"onLedgerBalance"`
	RemainingEscrow  decimal.Decimal `json:"remainingEscrow"`
	AccruedHours     decimal.Decimal `json:"accruedHours"`
	Expiry           time.Time       `json:"expiry"`
	SettlementTxRef  *string         `json:"settlementTxRef,omitempty"`
}
