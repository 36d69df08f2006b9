package ledger

import (
	"context"
	"sync"
	"time"
)

// AppendStore is the durable append surface the appender writes through.
type AppendStore interface {
	Append(r Receipt) (*Receipt, error)
}

// Appender serializes receipt writes through a single goroutine so the
// chain reflects attempt completion order. A failed write is retried with
// backoff until durable: skipping a receipt would leave the audit trail
// non-contiguous, so durability failures block the queue rather than drop.
type Appender struct {
	store AppendStore

	pending chan Receipt
	done    chan struct{}
	wg      sync.WaitGroup

	// OnAppend is invoked with every durably stored receipt.
	OnAppend func(r *Receipt)

	// OnStall is invoked when a write keeps failing past stallAfter
	// retries; the operator must treat this as an audit-integrity
	// condition. Retrying continues regardless.
	OnStall func(r Receipt, attempts int, err error)

	baseBackoff time.Duration
	maxBackoff  time.Duration
	stallAfter  int
}

// NewAppender starts the append loop.
func NewAppender(ctx context.Context, store AppendStore) *Appender {
	return newAppender(ctx, store, 100*time.Millisecond, 30*time.Second, 5)
}

func newAppender(ctx context.Context, store AppendStore, baseBackoff, maxBackoff time.Duration, stallAfter int) *Appender {
	a := &Appender{
		store:       store,
		pending:     make(chan Receipt, 64),
		done:        make(chan struct{}),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		stallAfter:  stallAfter,
	}
	a.wg.Add(1)
	go a.loop(ctx)
	return a
}

// Enqueue hands a completed attempt's receipt to the appender. It blocks
// when the queue is full; admission pressure is preferable to a lost
// receipt.
func (a *Appender) Enqueue(r Receipt) {
	select {
	case a.pending <- r:
	case <-a.done:
	}
}

// Close drains the queue and stops the loop.
func (a *Appender) Close() {
	close(a.pending)
	a.wg.Wait()
}

func (a *Appender) loop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.done)

	for r := range a.pending {
		a.appendUntilDurable(ctx, r)
	}
}

func (a *Appender) appendUntilDurable(ctx context.Context, r Receipt) {
	backoff := a.baseBackoff
	for attempts := 1; ; attempts++ {
		stored, err := a.store.Append(r)
		if err == nil {
			if a.OnAppend != nil {
				a.OnAppend(stored)
			}
			return
		}

		if a.OnStall != nil && attempts >= a.stallAfter {
			a.OnStall(r, attempts, err)
		}

		select {
		case <-ctx.Done():
			// Shutdown with an unwritten receipt: surface it once more and
			// give up to let the process exit.
			if a.OnStall != nil {
				a.OnStall(r, attempts, err)
			}
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.maxBackoff {
			backoff = a.maxBackoff
		}
	}
}
