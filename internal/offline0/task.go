package offline0

import (
	"context"
	"errors"
	"sync"
)

// Task is the pending work an event handler started. The handler's caller
// must Wait on it; until every function registered with Go returns, the
// engine may not be torn down.
type Task struct {
	wg     sync.WaitGroup
	parent *sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

func newTask(parent *sync.WaitGroup) *Task {
	return &Task{parent: parent}
}

// Go runs fn in its own goroutine as part of the task.
func (t *Task) Go(fn func() error) {
	t.wg.Add(1)
	if t.parent != nil {
		t.parent.Add(1)
	}
	go func() {
		defer func() {
			t.wg.Done()
			if t.parent != nil {
				t.parent.Done()
			}
		}()
		if err := fn(); err != nil {
			t.fail(err)
		}
	}()
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	t.errs = append(t.errs, err)
	t.mu.Unlock()
}

// Wait blocks until all work finished or ctx is done. Errors of the
// individual functions are joined.
func (t *Task) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Join(t.errs...)
}
