// Package ledgertest provides a scripted in-memory ledger gateway.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wagechannel/channel-server-go/internal/ledger"
)

// Outcome decides what a submitted settlement does on the fake ledger.
type Outcome int

const (
	// OutcomeSuccess validates the transaction and removes the channel entry.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure validates the transaction with a failed result.
	OutcomeFailure
	// OutcomePending leaves the transaction unvalidated until Resolve is called.
	OutcomePending
	// OutcomeEntryLingers validates the transaction but keeps the channel entry.
	OutcomeEntryLingers
)

var ErrUnavailable = errors.New("ledgertest: gateway unavailable")

type Fake struct {
	mu          sync.Mutex
	channels    map[string]ledger.ChannelState
	txs         map[string]ledger.TxStatus
	txChannel   map[string]string
	submissions []ledger.SettlementRequest
	outcome     Outcome
	submitErr   error
	queryErr    error
	seq         int
}

func NewFake() *Fake {
	return &Fake{
		channels:  map[string]ledger.ChannelState{},
		txs:       map[string]ledger.TxStatus{},
		txChannel: map[string]string{},
	}
}

var _ ledger.Gateway = (*Fake)(nil)

// SetChannel records a channel entry with the given on-ledger balance.
func (f *Fake) SetChannel(id string, balance decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id] = ledger.ChannelState{Exists: true, Balance: balance}
}

func (f *Fake) RemoveChannel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
}

func (f *Fake) SetOutcome(o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = o
}

// FailSubmit makes every submission return err until cleared with nil.
func (f *Fake) FailSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// FailQueries makes every read return err until cleared with nil.
func (f *Fake) FailQueries(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = err
}

func (f *Fake) Submissions() []ledger.SettlementRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.SettlementRequest(nil), f.submissions...)
}

// Resolve applies an outcome to an earlier pending transaction.
func (f *Fake) Resolve(txRef string, o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apply(txRef, f.txChannel[txRef], o)
}

func (f *Fake) apply(txRef, channelID string, o Outcome) {
	switch o {
	case OutcomeSuccess:
		f.txs[txRef] = ledger.TxStatus{Validated: true, Success: true}
		delete(f.channels, channelID)
	case OutcomeFailure:
		f.txs[txRef] = ledger.TxStatus{Validated: true, Success: false}
	case OutcomePending:
		f.txs[txRef] = ledger.TxStatus{}
	case OutcomeEntryLingers:
		f.txs[txRef] = ledger.TxStatus{Validated: true, Success: true}
	}
}

func (f *Fake) QueryChannel(ctx context.Context, id string) (ledger.ChannelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return ledger.ChannelState{}, f.queryErr
	}
	return f.channels[id], nil
}

func (f *Fake) SubmitSettlement(ctx context.Context, req ledger.SettlementRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.seq++
	f.submissions = append(f.submissions, req)
	ref := fmt.Sprintf("tx-%d", f.seq)
	f.txChannel[ref] = req.LedgerChannelID
	f.apply(ref, req.LedgerChannelID, f.outcome)
	return ref, nil
}

func (f *Fake) QueryTransaction(ctx context.Context, txRef string) (ledger.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return ledger.TxStatus{}, f.queryErr
	}
	return f.txs[txRef], nil
}
