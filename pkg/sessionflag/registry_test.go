package sessionflag

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *MemoryRegistry {
	return NewMemoryRegistry(zerolog.Nop())
}

func TestMemoryRegistryStart(t *testing.T) {
	t.Run("should install an active flag", func(t *testing.T) {
		r := newTestRegistry()

		flag := r.Start(context.Background(), "s1")

		assert.False(t, flag.Cancelled())
		assert.False(t, r.IsCancelled("s1"))
		assert.Equal(t, "s1", flag.SessionID())
		assert.NotEmpty(t, flag.ID())
		assert.NoError(t, flag.Context().Err())
	})

	t.Run("should cancel the previous flag before installing the new one", func(t *testing.T) {
		r := newTestRegistry()

		first := r.Start(context.Background(), "s1")
		second := r.Start(context.Background(), "s1")

		assert.True(t, first.Cancelled())
		assert.ErrorIs(t, context.Cause(first.Context()), ErrSuperseded)
		assert.False(t, second.Cancelled())
		assert.False(t, r.IsCancelled("s1"))
	})

	t.Run("should keep sessions independent", func(t *testing.T) {
		r := newTestRegistry()

		a := r.Start(context.Background(), "a")
		r.Start(context.Background(), "b")

		assert.False(t, a.Cancelled())
		assert.Equal(t, []string{"a", "b"}, r.Active())
	})
}

func TestMemoryRegistryIsCancelled(t *testing.T) {
	r := newTestRegistry()

	assert.True(t, r.IsCancelled("unknown"), "absent entry counts as cancelled")
}

func TestMemoryRegistryClear(t *testing.T) {
	t.Run("should remove the owned entry and release the flag", func(t *testing.T) {
		r := newTestRegistry()
		flag := r.Start(context.Background(), "s1")

		r.Clear(flag)

		assert.True(t, r.IsCancelled("s1"))
		assert.Empty(t, r.Active())
		assert.Error(t, flag.Context().Err())
		assert.False(t, flag.Cancelled(), "release is not a cancellation")
	})

	t.Run("should not remove a successor's entry", func(t *testing.T) {
		r := newTestRegistry()
		old := r.Start(context.Background(), "s1")
		current := r.Start(context.Background(), "s1")

		r.Clear(old)

		assert.False(t, r.IsCancelled("s1"))
		assert.False(t, current.Cancelled())
		assert.Equal(t, []string{"s1"}, r.Active())
	})

	t.Run("should tolerate nil", func(t *testing.T) {
		assert.NotPanics(t, func() { newTestRegistry().Clear(nil) })
	})

	t.Run("should clear a session unconditionally", func(t *testing.T) {
		r := newTestRegistry()
		r.Start(context.Background(), "s1")

		r.ClearSession("s1")
		r.ClearSession("missing")

		assert.True(t, r.IsCancelled("s1"))
	})
}

func TestMemoryRegistryCancel(t *testing.T) {
	t.Run("should abort the active turn once", func(t *testing.T) {
		r := newTestRegistry()
		flag := r.Start(context.Background(), "s1")

		assert.True(t, r.Cancel("s1"))
		assert.False(t, r.Cancel("s1"))

		assert.True(t, flag.Cancelled())
		assert.True(t, r.IsCancelled("s1"))
		assert.ErrorIs(t, context.Cause(flag.Context()), ErrAborted)
		assert.Empty(t, r.Active())
	})

	t.Run("should report false for unknown sessions", func(t *testing.T) {
		assert.False(t, newTestRegistry().Cancel("nope"))
	})
}

func TestMemoryRegistryOnChange(t *testing.T) {
	r := newTestRegistry()
	var counts []int
	r.OnChange = func(active int) { counts = append(counts, active) }

	f := r.Start(context.Background(), "s1")
	r.Start(context.Background(), "s2")
	r.Clear(f)

	assert.Equal(t, []int{1, 2, 1}, counts)
}

func TestMemoryRegistryConcurrentStarts(t *testing.T) {
	r := newTestRegistry()

	const n = 50
	flags := make([]*Flag, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			flags[i] = r.Start(context.Background(), "shared")
		}(i)
	}
	wg.Wait()

	live := 0
	for _, f := range flags {
		if !f.Cancelled() {
			live++
		}
	}
	require.Equal(t, 1, live, "exactly one turn survives concurrent starts")
	assert.False(t, r.IsCancelled("shared"))

	for _, f := range flags {
		r.Clear(f)
	}
	assert.True(t, r.IsCancelled("shared"))
}
