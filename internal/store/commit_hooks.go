package store

import (
	"context"
	"sync"
)

type commitHooksKey struct{}

// CommitHooks collects callbacks that must only run once the surrounding
// transaction has committed.
type CommitHooks struct {
	mu   sync.Mutex
	fns  []func(context.Context)
	done bool
}

// WithCommitHooks attaches a fresh hook list to ctx. The transaction owner
// calls Run after a successful commit, or Discard after a rollback.
func WithCommitHooks(ctx context.Context) (context.Context, *CommitHooks) {
	h := &CommitHooks{}
	return context.WithValue(ctx, commitHooksKey{}, h), h
}

// OnCommit defers fn until the transaction carried by ctx commits. Outside
// a transaction fn runs immediately.
func OnCommit(ctx context.Context, fn func(context.Context)) {
	h, _ := ctx.Value(commitHooksKey{}).(*CommitHooks)
	if h != nil && h.add(fn) {
		return
	}
	fn(ctx)
}

func (h *CommitHooks) add(fn func(context.Context)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.fns = append(h.fns, fn)
	return true
}

// Run executes the queued hooks in registration order. Hooks registered
// after Run execute immediately.
func (h *CommitHooks) Run(ctx context.Context) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.done = true
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

// Discard drops queued hooks.
func (h *CommitHooks) Discard() {
	h.mu.Lock()
	h.fns = nil
	h.done = true
	h.mu.Unlock()
}
