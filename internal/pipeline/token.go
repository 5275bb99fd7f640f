package pipeline

import (
	"sync/atomic"
)

// CancelToken is the shared cancellation word for one turn's workers. It is
// write-once: the first Cancel wins, later calls are no-ops. Workers poll
// Cancelled before every chunk they emit and select on Done while blocked.
type CancelToken struct {
	cancelled atomic.Bool
	reason    atomic.Value
	done      chan struct{}
	workers   atomic.Int32
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel trips the token. It reports whether this call was the one that
// performed the cancellation.
func (t *CancelToken) Cancel(reason string) bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.reason.Store(reason)
	close(t.done)
	return true
}

func (t *CancelToken) Cancelled() bool { return t.cancelled.Load() }

// Reason returns the cancellation reason, or "" while live.
func (t *CancelToken) Reason() string {
	if v := t.reason.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Done is closed once the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

// AttachWorker and DetachWorker bracket a worker's lifetime so the
// supervisor can tell whether any worker outlived the detach grace.
func (t *CancelToken) AttachWorker() { t.workers.Add(1) }
func (t *CancelToken) DetachWorker() { t.workers.Add(-1) }

func (t *CancelToken) LiveWorkers() int { return int(t.workers.Load()) }
