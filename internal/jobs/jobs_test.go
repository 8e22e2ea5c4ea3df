package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/wagechannel/channel-server-go/internal/service"
)

type mockSweeper struct {
	mock.Mock
}

func (m *mockSweeper) SweepTimedOutSessions(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type mockPassRunner struct {
	mock.Mock
}

func (m *mockPassRunner) RunPass(ctx context.Context) (service.PassReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(service.PassReport), args.Error(1)
}

func TestPeriodicJob(t *testing.T) {
	t.Run("runs immediately on start", func(t *testing.T) {
		var runs atomic.Int32
		job := NewPeriodicJob("test", time.Hour, func(ctx context.Context) (int, error) {
			runs.Add(1)
			return 0, nil
		})

		job.Start()
		assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
		job.Stop()
	})

	t.Run("runs on every tick", func(t *testing.T) {
		var runs atomic.Int32
		job := NewPeriodicJob("test", 10*time.Millisecond, func(ctx context.Context) (int, error) {
			runs.Add(1)
			return 1, nil
		})

		job.Start()
		assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
		job.Stop()
	})

	t.Run("keeps running after a failed run", func(t *testing.T) {
		var runs atomic.Int32
		job := NewPeriodicJob("test", 10*time.Millisecond, func(ctx context.Context) (int, error) {
			runs.Add(1)
			return 0, errors.New("boom")
		})

		job.Start()
		assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
		job.Stop()
	})

	t.Run("stop cancels an in-flight run", func(t *testing.T) {
		started := make(chan struct{})
		var cancelled atomic.Bool
		job := NewPeriodicJob("test", time.Hour, func(ctx context.Context) (int, error) {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return 0, ctx.Err()
		})

		job.Start()
		<-started
		job.Stop()
		assert.True(t, cancelled.Load())
	})
}

func TestSweepJob(t *testing.T) {
	called := make(chan struct{}, 1)
	sweeper := new(mockSweeper)
	sweeper.On("SweepTimedOutSessions", mock.Anything).Return(2, nil).Run(func(mock.Arguments) {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	job := NewSweepJob(sweeper, time.Hour)
	job.Start()
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("sweep was not run")
	}
	job.Stop()

	sweeper.AssertCalled(t, "SweepTimedOutSessions", mock.Anything)
}

func TestReconcileJob(t *testing.T) {
	runner := new(mockPassRunner)
	runner.On("RunPass", mock.Anything).Return(service.PassReport{Checked: 3, Finalized: 1}, nil)

	job := NewReconcileJob(runner, time.Hour)
	count, err := job.task(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
	runner.AssertNumberOfCalls(t, "RunPass", 1)
}
