package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Ledger gateway client
const (
	LedgerRequestTimeout   = 10 * time.Second
	LedgerRetryInitial     = 200 * time.Millisecond
	LedgerRetryMaxInterval = 2 * time.Second
	LedgerRetryMaxElapsed  = 15 * time.Second
)

// A settlement submission claim older than this is treated as abandoned.
const SettlementClaimTTL = 5 * time.Minute

// Bookkeeping retries after a settlement is on the ledger
const (
	SettlementRecordRetries      = 4
	SettlementRecordRetryInitial = 100 * time.Millisecond
)

// Background job run timeout
const JobRunTimeout = 2 * time.Minute

// Default rate limiting
const DefaultRateLimitPerMin = 120
