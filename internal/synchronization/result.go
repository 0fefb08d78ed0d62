package synchronization

import (
	"fmt"
	"slices"
	"time"
)

// Failure is one entry a run could not reconcile.
type Failure struct {
	DN  string
	Op  string
	Err error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.DN, f.Err)
}

// Result is the outcome of one synchronization run. A run always returns
// a result; Err is set only when the run could not be carried out at all.
type Result struct {
	Module    string
	DN        string
	Added     int
	Modified  int
	Deleted   int
	Orphaned  int
	Failed    int
	Unchanged int
	Failures  []Failure
	Err       error
	Started   time.Time
	Finished  time.Time
}

// Duration returns the wall time of the run.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Total returns the number of entries the run looked at.
func (r Result) Total() int {
	return r.Added + r.Modified + r.Deleted + r.Orphaned + r.Failed + r.Unchanged
}

func (r Result) String() string {
	return fmt.Sprintf("added=%d modified=%d deleted=%d orphaned=%d failed=%d unchanged=%d",
		r.Added, r.Modified, r.Deleted, r.Orphaned, r.Failed, r.Unchanged)
}

// tally accumulates a Result during a run.
type tally struct {
	r Result
}

func newTally(module, dn string) *tally {
	return &tally{r: Result{Module: module, DN: dn, Started: time.Now()}}
}

func (t *tally) fail(op, dn string, err error) {
	t.r.Failed++
	t.r.Failures = append(t.r.Failures, Failure{DN: dn, Op: op, Err: err})
}

// result freezes the tally. The returned value shares nothing with t.
func (t *tally) result(err error) Result {
	r := t.r
	r.Err = err
	r.Failures = slices.Clone(t.r.Failures)
	r.Finished = time.Now()
	return r
}
