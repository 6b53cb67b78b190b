package offline0

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskJoinsErrors(t *testing.T) {
	var parent sync.WaitGroup
	task := newTask(&parent)
	errA, errB := errors.New("a"), errors.New("b")

	task.Go(func() error { return errA })
	task.Go(func() error { return nil })
	task.Go(func() error { return errB })

	err := task.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	parent.Wait()
}

func TestTaskWaitHonoursContext(t *testing.T) {
	task := newTask(nil)
	release := make(chan struct{})
	task.Go(func() error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, task.Wait(context.Background()))
}

func TestEmptyTaskIsDone(t *testing.T) {
	assert.NoError(t, newTask(nil).Wait(context.Background()))
}
