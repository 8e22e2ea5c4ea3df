package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/wagechannel/channel-server-go/internal/database"
)

// Repositories bundles every repository bound to the same connection or transaction.
type Repositories struct {
	Channels      ChannelRepository
	Accruals      AccrualLedger
	Mirror        LedgerMirror
	Sessions      WorkSessionRepository
	Closures      ClosureRequestRepository
	Discrepancies DiscrepancyRepository
}

// Store hands out repositories, either directly or scoped to one transaction.
type Store interface {
	Repositories() Repositories
	// RunInTx runs fn in a single transaction. The transaction is rolled back
	// when fn returns an error.
	RunInTx(ctx context.Context, fn func(Repositories) error) error
}

func newRepositories(db database.DBTX) Repositories {
	return Repositories{
		Channels:      newChannelRepository(db),
		Accruals:      newAccrualLedger(db),
		Mirror:        newLedgerMirror(db),
		Sessions:      newWorkSessionRepository(db),
		Closures:      newClosureRequestRepository(db),
		Discrepancies: newDiscrepancyRepository(db),
	}
}

type PostgresStore struct {
	db    *database.DB
	repos Repositories
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		repos: newRepositories(db.DB),
	}
}

func (s *PostgresStore) Repositories() Repositories {
	return s.repos
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(Repositories) error) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(newRepositories(tx))
	})
}

var _ Store = (*PostgresStore)(nil)
