// Package scheduler holds the named jobs and triggers of a partition.
// Jobs run synchronously in the caller; triggers only name a job and an
// interval, and are fired by a Firer.
package scheduler

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/logging"
)

// Job is one invocation target.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Trigger fires Job every Interval.
type Trigger struct {
	Name     string        `yaml:"name"`
	Job      string        `yaml:"job"`
	Interval time.Duration `yaml:"interval"`
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	partition string

	mu       sync.RWMutex
	jobs     map[string]Job
	triggers map[string]Trigger
}

// New creates an empty scheduler for partition.
func New(partition string) *Scheduler {
	return &Scheduler{
		partition: partition,
		jobs:      make(map[string]Job),
		triggers:  make(map[string]Trigger),
	}
}

// AddJob registers job under name.
func (s *Scheduler) AddJob(name string, job Job) error {
	if name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if job == nil {
		return fmt.Errorf("job %s: job cannot be nil", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already defined", name)
	}
	s.jobs[name] = job
	return nil
}

// AddTrigger registers t. Its job must already be registered.
func (s *Scheduler) AddTrigger(t Trigger) error {
	if t.Name == "" {
		return fmt.Errorf("trigger name cannot be empty")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("trigger %s: interval must be positive", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.triggers[t.Name]; exists {
		return fmt.Errorf("trigger %s already defined", t.Name)
	}
	if _, ok := s.jobs[t.Job]; !ok {
		return fmt.Errorf("trigger %s: unknown job %q", t.Name, t.Job)
	}
	s.triggers[t.Name] = t
	return nil
}

// ExecuteJob runs the named job in the caller. The job's error is returned
// unchanged.
func (s *Scheduler) ExecuteJob(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return directory.NewError("execute_job", directory.KindNotFound, ldap.LDAPResultNoSuchObject, "",
			fmt.Sprintf("job %q not found in partition %s", name, s.partition))
	}

	return logging.LogOperation(ctx, logging.SubsystemScheduler, "execute_job", map[string]any{
		"partition": s.partition,
		"job":       name,
	}, func() error {
		return job.Run(ctx)
	})
}

// Fire executes the job of the named trigger.
func (s *Scheduler) Fire(ctx context.Context, trigger string) error {
	t, ok := s.Trigger(trigger)
	if !ok {
		return directory.NewError("fire", directory.KindNotFound, ldap.LDAPResultNoSuchObject, "",
			fmt.Sprintf("trigger %q not found in partition %s", trigger, s.partition))
	}
	return s.ExecuteJob(ctx, t.Job)
}

// Trigger returns the named trigger.
func (s *Scheduler) Trigger(name string) (Trigger, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[name]
	return t, ok
}

// Partition returns the owning partition name.
func (s *Scheduler) Partition() string {
	return s.partition
}

// JobNames returns the job names, sorted.
func (s *Scheduler) JobNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.jobs))
}

// TriggerNames returns the trigger names, sorted.
func (s *Scheduler) TriggerNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.triggers))
}
