package spacer

import (
	"context"
	"sync"
)

// ProcessFunc stands in for the executor: it turns a job into its result.
type ProcessFunc func(ctx context.Context, job JobMsg) JobReturnMsg

// LocalBackend keeps jobs in memory. With a ProcessFunc each submitted job
// is processed right away; without one, results are added by Complete.
type LocalBackend struct {
	mu        sync.Mutex
	process   ProcessFunc
	submitted []JobMsg
	results   []JobReturnMsg
}

func NewLocalBackend(process ProcessFunc) *LocalBackend {
	return &LocalBackend{process: process}
}

func (b *LocalBackend) Submit(ctx context.Context, job JobMsg) error {
	b.mu.Lock()
	b.submitted = append(b.submitted, job)
	process := b.process
	b.mu.Unlock()

	if process != nil {
		b.Complete(process(ctx, job))
	}
	return nil
}

func (b *LocalBackend) Collect(_ context.Context, max int) ([]JobReturnMsg, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := min(max, len(b.results))
	out := append([]JobReturnMsg(nil), b.results[:n]...)
	b.results = b.results[n:]
	return out, nil
}

// Complete queues a result for Collect.
func (b *LocalBackend) Complete(result JobReturnMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, result)
}

// Submitted returns every job submitted so far.
func (b *LocalBackend) Submitted() []JobMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]JobMsg(nil), b.submitted...)
}
