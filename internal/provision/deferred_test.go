package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferred(t *testing.T) {
	t.Run("peek-before-resolve", func(t *testing.T) {
		d := NewDeferred[string]()
		_, err := d.Peek()
		require.ErrorIs(t, err, ErrNotYetAvailable)
	})
	t.Run("resolve-once", func(t *testing.T) {
		d := NewDeferred[string]()
		assert.True(t, d.Resolve("203.0.113.10"))
		assert.False(t, d.Resolve("198.51.100.1"))
		assert.False(t, d.Fail(errors.New("late")))
		v, err := d.Peek()
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.10", v)
	})
	t.Run("await-wakes-all-waiters", func(t *testing.T) {
		d := NewDeferred[int]()
		var wg sync.WaitGroup
		got := make([]int, 8)
		for i := range got {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := d.Await(t.Context())
				assert.NoError(t, err)
				got[i] = v
			}()
		}
		time.Sleep(10 * time.Millisecond)
		d.Resolve(7)
		wg.Wait()
		for _, v := range got {
			assert.Equal(t, 7, v)
		}
	})
	t.Run("await-deadline", func(t *testing.T) {
		d := NewDeferred[string]()
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		_, err := d.Await(ctx)
		require.ErrorIs(t, err, ErrNotYetAvailable)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
	t.Run("fail", func(t *testing.T) {
		d := NewDeferred[string]()
		boom := errors.New("instance terminated")
		d.Fail(boom)
		_, err := d.Await(t.Context())
		require.ErrorIs(t, err, boom)
		select {
		case <-d.Done():
		default:
			t.Fatal("Done not closed")
		}
	})
	t.Run("known", func(t *testing.T) {
		v, err := Known("host").Peek()
		require.NoError(t, err)
		assert.Equal(t, "host", v)
	})
}
