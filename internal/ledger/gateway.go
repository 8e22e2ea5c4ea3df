// Package ledger talks to the external ledger gateway. The gateway is treated
// as an unreliable, eventually consistent oracle: reads may be retried, a
// settlement submission never is.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/wagechannel/channel-server-go/internal/model"
)

// ErrRejected marks a submission the ledger definitively refused. Any other
// submission error is ambiguous: the transaction may or may not have landed.
var ErrRejected = errors.New("ledger: settlement rejected")

// ChannelState is the ledger's view of one channel entry.
type ChannelState struct {
	Exists  bool            `json:"exists"`
	Balance decimal.Decimal `json:"balance"`
}

// SettlementRequest is the quoted settlement handed to the gateway for signing
// and submission. A nil Payout omits the payout field from the transaction.
type SettlementRequest struct {
	LedgerChannelID string           `json:"channelId"`
	Payout          *decimal.Decimal `json:"payout,omitempty"`
	Signer          model.Role       `json:"signer"`
}

// TxStatus reports a submitted transaction. Validated and Success are separate
// facts: a validated transaction may still have failed.
type TxStatus struct {
	Validated bool `json:"validated"`
	Success   bool `json:"success"`
}

type Gateway interface {
	QueryChannel(ctx context.Context, ledgerChannelID string) (ChannelState, error)
	SubmitSettlement(ctx context.Context, req SettlementRequest) (string, error)
	QueryTransaction(ctx context.Context, txRef string) (TxStatus, error)
}
