// Package workerpool bounds how many account tasks run at the same time.
package workerpool

import (
	"context"
	"sync"
)

// Pool manages a fixed number of task slots
type Pool struct {
	maxJobs        int
	slots          chan struct{} // one element per slot in use
	mu             sync.Mutex
	available      int
	notifyMu       sync.Mutex          // serializes callbacks in the order slots changed
	onSlotsChanged func(available int) // Callback when slots change
}

// NewPool creates a pool with the given capacity
func NewPool(maxJobs int) *Pool {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Pool{
		maxJobs:   maxJobs,
		slots:     make(chan struct{}, maxJobs),
		available: maxJobs,
	}
}

// SetOnSlotsChanged sets a callback to be invoked when slot availability changes.
// The callback must not acquire or release slots.
func (p *Pool) SetOnSlotsChanged(callback func(available int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSlotsChanged = callback
}

// Acquire blocks until a slot is free or ctx is done
func (p *Pool) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.slots <- struct{}{}:
		p.mu.Lock()
		p.available--
		p.notifyLocked()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire claims a slot without waiting. Returns true if successful.
func (p *Pool) TryAcquire() bool {
	p.mu.Lock()
	select {
	case p.slots <- struct{}{}:
		p.available--
		p.notifyLocked()
		return true
	default:
		p.mu.Unlock()
		return false
	}
}

// Release returns a slot to the pool. Releasing an idle pool is a no-op.
func (p *Pool) Release() {
	p.mu.Lock()
	select {
	case <-p.slots:
		p.available++
		p.notifyLocked()
	default:
		p.mu.Unlock()
	}
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	return p.maxJobs - len(p.slots)
}

// MaxJobs returns the pool capacity.
func (p *Pool) MaxJobs() int {
	return p.maxJobs
}

// notifyLocked is called with p.mu held and releases it. The callback runs
// outside p.mu but under notifyMu, so callbacks see counts in change order.
func (p *Pool) notifyLocked() {
	callback := p.onSlotsChanged
	available := p.available
	p.notifyMu.Lock()
	p.mu.Unlock()
	defer p.notifyMu.Unlock()

	if callback != nil {
		callback(available)
	}
}
