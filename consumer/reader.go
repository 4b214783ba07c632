package consumer

import (
	"errors"
	"sync"
	"time"
)

// Reader is the capability common to both shard-reader variants,
// grounded on spec.md §9's "sibling reader variant" redesign note: a
// shared interface instead of a mix-in.
type Reader interface {
	// Alive reports whether the reader's loop is still running.
	Alive() bool
	// Shutdown requests the reader stop and returns once any in-flight
	// network wait has been interrupted. Safe to call more than once.
	Shutdown()
}

// ErrShardClosed names the shard-closed signal (nil NextShardIterator).
// PullReader logs that signal and exits; it neither returns this value
// nor sends it on the error channel, and the orchestrator treats reader
// exit as the observable signal.
var ErrShardClosed = errors.New("consumer: shard is closed")

// rateLimiter enforces the two local Kinesis per-shard limits described
// in SPEC_FULL.md §4.3: at most MaxReadTransactionsPerSecond calls and
// MaxReadBytesPerSecond bytes read within each one-second window. The
// window is fixed: it starts at the first call after the previous window
// lapsed, and both counters reset when a new window starts.
// Grounded on polling-shard-consumer.go's transactionNum/
// firstTransactionTime counters, generalized to also track bytes.
type rateLimiter struct {
	mu               sync.Mutex
	windowStart      time.Time
	transactionCount int
	byteCount        int64
}

// wait blocks, if necessary, until issuing another transaction would not
// exceed MaxReadTransactionsPerSecond within the current window, then
// records the transaction. The byte budget is enforced after the fact by
// recordBytes, not here.
func (r *rateLimiter) wait() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= time.Second {
		r.windowStart = now
		r.transactionCount = 0
		r.byteCount = 0
	}

	if r.transactionCount >= MaxReadTransactionsPerSecond {
		remaining := time.Second - now.Sub(r.windowStart)
		if remaining > 0 {
			time.Sleep(remaining)
		}
		r.windowStart = time.Now()
		r.transactionCount = 0
		r.byteCount = 0
	}
	r.transactionCount++
}

// recordBytes accounts for a completed read's payload size, sleeping
// out the remainder of the window if the byte budget was exceeded.
func (r *rateLimiter) recordBytes(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byteCount += n
	if r.byteCount <= MaxReadBytesPerSecond {
		return
	}
	remaining := time.Second - time.Since(r.windowStart)
	if remaining > 0 {
		time.Sleep(remaining)
	}
	r.windowStart = time.Now()
	r.transactionCount = 0
	r.byteCount = 0
}
