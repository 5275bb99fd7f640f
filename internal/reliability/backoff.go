package reliability

import "time"

const (
	DefaultBackoffInitial  = 1 * time.Second
	DefaultBackoffCap      = 30 * time.Second
	DefaultBackoffAttempts = 10
)

// Backoff produces the reconnect delay schedule: the delay doubles on each
// failure, saturates at the cap, and gives up after the attempt budget.
// A successful connection resets the schedule in full.
type Backoff struct {
	initial     time.Duration
	cap         time.Duration
	maxAttempts int

	attempt int
	next    time.Duration
}

func NewBackoff() *Backoff {
	return NewBackoffWith(DefaultBackoffInitial, DefaultBackoffCap, DefaultBackoffAttempts)
}

func NewBackoffWith(initial, cap time.Duration, maxAttempts int) *Backoff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if cap < initial {
		cap = initial
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultBackoffAttempts
	}
	return &Backoff{
		initial:     initial,
		cap:         cap,
		maxAttempts: maxAttempts,
		next:        initial,
	}
}

// Next returns the delay before the upcoming attempt. ok is false once the
// attempt budget is spent; the caller stops retrying.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	b.attempt++
	delay = b.next
	b.next *= 2
	if b.next > b.cap {
		b.next = b.cap
	}
	return delay, true
}

// Reset restores the full schedule after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.next = b.initial
}

// Attempt reports how many attempts have been consumed.
func (b *Backoff) Attempt() int { return b.attempt }
