package query

import "context"

// Permits bounds the number of queries executing concurrently, the
// Go-idiomatic buffered-channel stand-in for the isolate concurrency
// limit spec.md §5 describes. Grounded on the teacher's general use
// of a channel as a lightweight synchronization primitive (e.g.
// pkg/worker.Worker's stopCh) adapted here into a counting semaphore.
type Permits struct {
	slots chan struct{}
}

func NewPermits(n int) *Permits {
	if n <= 0 {
		n = 1
	}
	return &Permits{slots: make(chan struct{}, n)}
}

// Acquire blocks until a permit is free or ctx is done.
func (p *Permits) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit acquired by Acquire.
func (p *Permits) Release() {
	select {
	case <-p.slots:
	default:
	}
}

// Available reports how many permits are currently unused.
func (p *Permits) Available() int {
	return cap(p.slots) - len(p.slots)
}
