package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wagechannel/channel-server-go/internal/database"
	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
)

// AccrualLedger is the only writer of off_ledger_balance during normal operation.
// It has no way to reach on_ledger_balance.
type AccrualLedger interface {
	// AddAccrual increments off_ledger_balance and accrued_hours of an Active
	// channel. Negative amounts, or an increment that would exceed the escrow,
	// fail with INVARIANT_VIOLATION.
	AddAccrual(ctx context.Context, channelID string, earnings, hours decimal.Decimal) error
}

// LedgerMirror is the only writer of on_ledger_balance. It has no way to reach
// off_ledger_balance.
type LedgerMirror interface {
	SetOnLedgerBalance(ctx context.Context, channelID string, balance decimal.Decimal, at time.Time) error
}

type accrualLedger struct {
	db database.DBTX
}

func newAccrualLedger(db database.DBTX) AccrualLedger {
	return &accrualLedger{db: db}
}

func (l *accrualLedger) AddAccrual(ctx context.Context, channelID string, earnings, hours decimal.Decimal) error {
	if earnings.IsNegative() || hours.IsNegative() {
		return apperrors.InvariantViolation(fmt.Sprintf("negative accrual for channel %s", channelID))
	}

	n, err := rowsAffected(l.db.ExecContext(ctx, `
		UPDATE channels SET
			off_ledger_balance = off_ledger_balance + $2,
			accrued_hours = accrued_hours + $3,
			updated_at = NOW()
		WHERE id = $1
		AND state = 'active'
		AND off_ledger_balance + $2 <= escrow_amount
	`, channelID, earnings, hours))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.InvariantViolation(fmt.Sprintf("accrual of %s would breach escrow or channel %s is not active", earnings, channelID))
	}
	return nil
}

type ledgerMirror struct {
	db database.DBTX
}

func newLedgerMirror(db database.DBTX) LedgerMirror {
	return &ledgerMirror{db: db}
}

func (m *ledgerMirror) SetOnLedgerBalance(ctx context.Context, channelID string, balance decimal.Decimal, at time.Time) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE channels SET
			on_ledger_balance = $2,
			on_ledger_synced_at = $3
		WHERE id = $1
	`, channelID, balance, at)
	return err
}
