package governance

import (
	"context"
	"log"
	"sync"
	"time"
)

// Dispatcher runs apply tasks in the background with a bounded per-task
// timeout. Tasks are tracked by a WaitGroup so shutdown can drain them instead
// of abandoning detached goroutines.
type Dispatcher struct {
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Dispatcher{timeout: timeout}
}

func (d *Dispatcher) Go(name string, fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		started := time.Now()
		fn(ctx)
		log.Printf("[governance.dispatch] task %s finished in %s", name, time.Since(started))
	}()
}

// Wait blocks until all in-flight tasks finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
