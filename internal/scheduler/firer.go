package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/vdir/internal/logging"
)

// Firer decides when triggers fire.
type Firer interface {
	Start(ctx context.Context, s *Scheduler)
	Stop()
}

// TickerFirer fires every trigger of the schedulers it is started on at
// the trigger's interval. A firing that is still running when the next
// tick arrives causes that tick to be skipped.
type TickerFirer struct {
	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

var _ Firer = (*TickerFirer)(nil)

// NewTickerFirer creates a firer.
func NewTickerFirer() *TickerFirer {
	return &TickerFirer{stop: make(chan struct{})}
}

// Start begins firing the triggers s holds now. It returns at once.
func (f *TickerFirer) Start(ctx context.Context, s *Scheduler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}

	for _, name := range s.TriggerNames() {
		t, ok := s.Trigger(name)
		if !ok {
			continue
		}
		tflog.SubsystemDebug(ctx, logging.SubsystemScheduler, "Starting trigger", map[string]any{
			"partition": s.Partition(),
			"trigger":   t.Name,
			"job":       t.Job,
			"interval":  t.Interval.String(),
		})
		f.wg.Go(func() {
			f.run(ctx, s, t)
		})
	}
}

func (f *TickerFirer) run(ctx context.Context, s *Scheduler, t Trigger) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Fire(ctx, t.Name); err != nil {
				tflog.SubsystemWarn(ctx, logging.SubsystemScheduler, "Triggered job failed", map[string]any{
					"partition": s.Partition(),
					"trigger":   t.Name,
					"job":       t.Job,
					"error":     err.Error(),
				})
			}
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops every trigger and waits for running jobs to return.
func (f *TickerFirer) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	close(f.stop)
	f.mu.Unlock()

	f.wg.Wait()
}
