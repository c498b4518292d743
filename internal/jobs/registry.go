package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Policy selects who owns a job's state transitions around its task function.
type Policy int

const (
	// PolicyRunner claims an existing pending Job and finishes it when the
	// task returns.
	PolicyRunner Policy = iota
	// PolicyFull creates its own in-progress Job. Used by top-level
	// periodic tasks that the queue's cron triggers directly.
	PolicyFull
	// PolicyStarter claims a pending Job like PolicyRunner but only
	// finishes it on error. The task hands work off elsewhere and that
	// code finishes the Job later.
	PolicyStarter
)

func (p Policy) String() string {
	switch p {
	case PolicyRunner:
		return "runner"
	case PolicyFull:
		return "full"
	case PolicyStarter:
		return "starter"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Run identifies the Job a task function is executing for.
type Run struct {
	JobID  int64
	TaskID string
}

// TaskFunc is a job's work. A nil error with a message means success with
// that result message. Return a *Error for expected failures; anything
// else is reported as an incident.
type TaskFunc func(ctx context.Context, run Run, args []any) (string, error)

// Definition is the static registration of one job name.
type Definition struct {
	Name   string
	Policy Policy
	// Queue is the task queue the job is enqueued on. Empty means default.
	Queue string
	// Interval makes the job periodic: each finish schedules the next run
	// at the following Offset-aligned boundary.
	Interval time.Duration
	Offset   time.Duration
	// CronEvery has the task queue trigger the job itself every N whole
	// minutes. Only valid for PolicyFull.
	CronEvery time.Duration
	Task      TaskFunc
}

// IsPeriodic reports whether finishing the job reschedules it.
func (d Definition) IsPeriodic() bool {
	return d.Interval > 0
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("job definition: name is required")
	}
	if d.Task == nil {
		return fmt.Errorf("job %s: task function is required", d.Name)
	}
	if d.Interval < 0 || d.Offset < 0 {
		return fmt.Errorf("job %s: interval and offset must not be negative", d.Name)
	}
	if d.CronEvery != 0 {
		if d.Policy != PolicyFull {
			return fmt.Errorf("job %s: cron-triggered jobs must use the full policy", d.Name)
		}
		if d.CronEvery < time.Minute || d.CronEvery%time.Minute != 0 {
			return fmt.Errorf("job %s: cron interval must be a whole number of minutes", d.Name)
		}
	}
	return nil
}

// Registry maps job names to their definitions. It is built once at
// startup and injected wherever job names are resolved.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("job %s is already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is Register for startup wiring, where a bad definition is a
// programming error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for name or ErrUnrecognizedJobName.
func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnrecognizedJobName, name)
	}
	return def, nil
}

// Schedule returns the periodic interval and offset of name, if any.
func (r *Registry) Schedule(name string) (interval, offset time.Duration, ok bool) {
	def, err := r.Lookup(name)
	if err != nil || !def.IsPeriodic() {
		return 0, 0, false
	}
	return def.Interval, def.Offset, true
}

// Definitions returns all definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
