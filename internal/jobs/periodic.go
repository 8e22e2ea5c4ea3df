package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wagechannel/channel-server-go/internal/config"
)

// Task is one unit of periodic work. It returns how many items it processed.
type Task func(ctx context.Context) (int, error)

// PeriodicJob runs a task immediately on Start and then on every tick until
// Stop is called. Runs never overlap.
type PeriodicJob struct {
	name     string
	task     Task
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
	stopped  chan struct{}
}

func NewPeriodicJob(name string, interval time.Duration, task Task) *PeriodicJob {
	return &PeriodicJob{
		name:     name,
		task:     task,
		interval: interval,
		timeout:  config.JobRunTimeout,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (j *PeriodicJob) Start() {
	go j.run()
	log.Info().Str("job", j.name).Dur("interval", j.interval).Msg("job started")
}

// Stop signals the job and waits for an in-flight run to return.
func (j *PeriodicJob) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Str("job", j.name).Msg("job stopped")
}

func (j *PeriodicJob) run() {
	defer close(j.stopped)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runOnce()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.runOnce()
		}
	}
}

func (j *PeriodicJob) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	// Cancel the run early when Stop is called mid-run.
	go func() {
		select {
		case <-j.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	count, err := j.task(ctx)
	if err != nil {
		log.Error().Err(err).Str("job", j.name).Msg("job run failed")
	} else if count > 0 {
		log.Info().Int("count", count).Str("job", j.name).Msg("job run complete")
	}
}
