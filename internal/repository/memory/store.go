// Package memory is an in-process repository.Store. Transactions are
// serialized behind one mutex and work on a copy of the data that replaces
// the committed state only when the unit of work succeeds.
package memory

import (
	"context"
	"sync"

	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/repository"
)

type state struct {
	channels      map[string]model.Channel
	sessions      map[string]model.WorkSession
	closures      map[string]model.ClosureRequest
	discrepancies []model.Discrepancy
}

func newState() *state {
	return &state{
		channels: map[string]model.Channel{},
		sessions: map[string]model.WorkSession{},
		closures: map[string]model.ClosureRequest{},
	}
}

func (s *state) clone() *state {
	c := &state{
		channels:      make(map[string]model.Channel, len(s.channels)),
		sessions:      make(map[string]model.WorkSession, len(s.sessions)),
		closures:      make(map[string]model.ClosureRequest, len(s.closures)),
		discrepancies: append([]model.Discrepancy(nil), s.discrepancies...),
	}
	for k, v := range s.channels {
		c.channels[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.closures {
		c.closures[k] = v
	}
	return c
}

// access runs fn against a state, holding whatever lock the caller requires.
type access func(fn func(st *state) error) error

type Store struct {
	mu    sync.Mutex
	state *state
}

func NewStore() *Store {
	return &Store{state: newState()}
}

func (s *Store) Repositories() repository.Repositories {
	return newRepositories(func(fn func(st *state) error) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(s.state)
	})
}

func (s *Store) RunInTx(ctx context.Context, fn func(repository.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	working := s.state.clone()
	repos := newRepositories(func(f func(st *state) error) error {
		return f(working)
	})
	if err := fn(repos); err != nil {
		return err
	}
	s.state = working
	return nil
}

func newRepositories(with access) repository.Repositories {
	return repository.Repositories{
		Channels:      &channelRepo{with: with},
		Accruals:      &accrualLedger{with: with},
		Mirror:        &ledgerMirror{with: with},
		Sessions:      &workSessionRepo{with: with},
		Closures:      &closureRequestRepo{with: with},
		Discrepancies: &discrepancyRepo{with: with},
	}
}

var _ repository.Store = (*Store)(nil)
