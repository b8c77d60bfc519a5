package eventqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openthread/otbr-dnssd/internal/mainloop"
)

func TestQueuePostProcessOrdering(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Close()

	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		q.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	ctx := mainloopContextReadyFor(t, q)
	q.Process(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueueProcessWithoutPostIsNoop(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Close()

	ran := false
	ctx := &mainloop.Context{}
	q.Process(ctx)
	assert.False(t, ran)
}

func TestQueuePostAfterCloseIsDropped(t *testing.T) {
	q, err := New()
	require.NoError(t, err)

	require.NoError(t, q.Close())

	ran := false
	q.Post(func() { ran = true })
	assert.False(t, ran)
}

// mainloopContextReadyFor mirrors what Engine.Run does before select():
// call Update so the pipe's read fd is marked as wanted. Context treats
// its fd sets as both "wanted" and (post-select) "ready", so this is
// enough to make IsReadable true for a pipe that Post has written to.
func mainloopContextReadyFor(t *testing.T, q *Queue) *mainloop.Context {
	t.Helper()
	ctx := &mainloop.Context{}
	q.Update(ctx)
	return ctx
}
