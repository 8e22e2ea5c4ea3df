package model

type ChannelState string

const (
	ChannelStateDraft   ChannelState = "draft"
	ChannelStateActive  ChannelState = "active"
	ChannelStateClosing ChannelState = "closing"
	ChannelStateClosed  ChannelState = "closed"
)

type SessionStatus string

const (
	SessionStatusOpen      SessionStatus = "open"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusTimedOut  SessionStatus = "timed_out"
)

type ClosureRequestStatus string

const (
	ClosureStatusPending   ClosureRequestStatus = "pending"
	ClosureStatusApproved  ClosureRequestStatus = "approved"
	ClosureStatusRejected  ClosureRequestStatus = "rejected"
	ClosureStatusCompleted ClosureRequestStatus = "completed"
	ClosureStatusCancelled ClosureRequestStatus = "cancelled"
)

type Role string

const (
	RoleSponsor Role = "sponsor"
	RoleWorker  Role = "worker"
)

func (r Role) Valid() bool {
	return r == RoleSponsor || r == RoleWorker
}

type DiscrepancyKind string

const (
	DiscrepancyBalanceMismatch    DiscrepancyKind = "balance_mismatch"
	DiscrepancyPayoutMismatch     DiscrepancyKind = "settlement_payout_mismatch"
	DiscrepancyLedgerEntryMissing DiscrepancyKind = "ledger_entry_missing"
)
