package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignal_Listeners(t *testing.T) {
	sig := NewSignal[int]()
	require.True(t, sig.IsEmpty())

	var sum atomic.Int64

	require.Equal(t, 1, sig.AddListener(func(_ context.Context, v int) { sum.Add(int64(v)) }, "a"))
	require.Equal(t, -1, sig.AddListener(func(context.Context, int) {}, "a"))
	require.Equal(t, 2, sig.AddListener(func(_ context.Context, v int) { sum.Add(int64(v) * 10) }))

	sig.Emit(context.Background(), 2)
	require.Equal(t, int64(22), sum.Load())

	require.Equal(t, 1, sig.RemoveListener("a"))
	require.Equal(t, -1, sig.RemoveListener("a"))

	sig.Emit(context.Background(), 1)
	require.Equal(t, int64(32), sum.Load())

	sig.Reset()
	require.Zero(t, sig.Len())

	sig.Emit(context.Background(), 5)
	require.Equal(t, int64(32), sum.Load())
}

func TestSignal_ListenerRemovesItself(t *testing.T) {
	sig := NewSignal[int]()

	var calls atomic.Int32

	sig.AddListener(func(context.Context, int) {
		calls.Add(1)
		sig.RemoveListener("once")
	}, "once")

	sig.Emit(context.Background(), 1)
	sig.Emit(context.Background(), 2)

	require.Equal(t, int32(1), calls.Load())
	require.True(t, sig.IsEmpty())
}

// Run with -race: subscribers come and go while events are emitted.
func TestSignal_ConcurrentSubscribeAndEmit(t *testing.T) {
	sig := NewSignal[int]()

	var (
		wg       sync.WaitGroup
		received atomic.Int64
	)

	sig.AddListener(func(context.Context, int) { received.Add(1) }, "steady")

	wg.Go(func() {
		for i := range 500 {
			sig.Emit(context.Background(), i)
		}
	})

	for w := range 4 {
		wg.Go(func() {
			for i := range 100 {
				key := fmt.Sprintf("w%d-%d", w, i)
				sig.AddListener(func(context.Context, int) {}, key)
				sig.RemoveListener(key)
			}
		})
	}

	wg.Wait()

	require.Equal(t, int64(500), received.Load())
	require.Equal(t, 1, sig.Len())
}
