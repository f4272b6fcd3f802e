// Package progress polls the remote progress endpoint for a live run and
// republishes snapshots onto the run's event channel.
package progress

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events/bus"
)

// Source answers progress queries for a task. Implemented by the cloud
// client.
type Source interface {
	TaskProgress(ctx context.Context, taskID string) (*agentevent.ProgressSnapshot, bool, error)
}

// Poller periodically fetches progress for live runs and publishes each
// snapshot as a progress event on the run's subject. Deduplication happens
// downstream; the poller publishes whatever it fetches.
type Poller struct {
	source      Source
	eventBus    bus.EventBus
	interval    time.Duration
	maxInterval time.Duration
	logger      *logger.Logger
}

// NewPoller creates a poller. interval is the base cadence; consecutive
// failures back the cadence off exponentially up to maxInterval, and one
// success resets it.
func NewPoller(source Source, eventBus bus.EventBus, interval, maxInterval time.Duration, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	return &Poller{
		source:      source,
		eventBus:    eventBus,
		interval:    interval,
		maxInterval: maxInterval,
		logger:      log.WithFields(zap.String("component", "progress-poller")),
	}
}

// Start begins polling for one run in a goroutine and returns a stop
// function. Stop is idempotent and waits for nothing; the loop exits on the
// next scheduling point.
func (p *Poller) Start(taskID, runID, subject string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go p.run(ctx, taskID, runID, subject)
	return cancel
}

func (p *Poller) run(ctx context.Context, taskID, runID, subject string) {
	log := p.logger.WithFields(
		zap.String("task_id", taskID),
		zap.String("run_id", runID))
	log.Debug("progress polling started")
	defer log.Debug("progress polling stopped")

	delay := p.interval
	failures := 0

	// First poll fires immediately so the UI is never a full interval stale.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := p.pollOnce(ctx, taskID, runID, subject); err != nil {
			failures++
			delay = backoff(p.interval, p.maxInterval, failures)
			log.Warn("progress poll failed",
				zap.Int("consecutive_failures", failures),
				zap.Duration("next_poll_in", delay),
				zap.Error(err))
		} else {
			failures = 0
			delay = p.interval
		}

		timer.Reset(delay)
	}
}

func (p *Poller) pollOnce(ctx context.Context, taskID, runID, subject string) error {
	snapshot, ok, err := p.source.TaskProgress(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	ev := agentevent.NewProgress(taskID, runID, *snapshot)
	return p.eventBus.Publish(ctx, subject,
		bus.NewEvent(string(agentevent.TypeProgress), "progress-poller", ev))
}

// backoff doubles the base delay per consecutive failure, capped at max.
func backoff(base, max time.Duration, failures int) time.Duration {
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
