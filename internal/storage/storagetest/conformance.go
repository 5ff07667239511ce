// Package storagetest holds the behaviour every storage.Registry backend must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/italolelis/zipdrop/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty registry. The suite closes it.
type Factory func(t *testing.T) storage.Registry

// Run executes the conformance suite against registries built by newRegistry.
func Run(t *testing.T, newRegistry Factory) {
	t.Run("load empty", func(t *testing.T) {
		r := open(t, newRegistry)

		tokens, err := r.Load(context.Background())
		require.NoError(t, err)
		assert.Empty(t, tokens)
	})

	t.Run("save load round trip", func(t *testing.T) {
		r := open(t, newRegistry)
		ctx := context.Background()

		want := storage.Tokens{"abc123": "demo_20240101-000000.zip", "def456": "demo_20240101-000000.zip"}
		require.NoError(t, r.Save(ctx, want))

		got, err := r.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		require.NoError(t, r.Save(ctx, got))

		again, err := r.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, again)
	})

	t.Run("save replaces contents", func(t *testing.T) {
		r := open(t, newRegistry)
		ctx := context.Background()

		require.NoError(t, r.Save(ctx, storage.Tokens{"old": "a.zip"}))
		require.NoError(t, r.Save(ctx, storage.Tokens{"new": "b.zip"}))

		got, err := r.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, storage.Tokens{"new": "b.zip"}, got)
	})

	t.Run("insert and remove", func(t *testing.T) {
		r := open(t, newRegistry)
		ctx := context.Background()

		require.NoError(t, r.Insert(ctx, "abc123", "demo.zip"))
		require.ErrorIs(t, r.Insert(ctx, "abc123", "other.zip"), storage.ErrTokenExists)

		got, err := r.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, storage.Tokens{"abc123": "demo.zip"}, got)

		require.NoError(t, r.Remove(ctx, "abc123"))
		require.ErrorIs(t, r.Remove(ctx, "abc123"), storage.ErrTokenNotFound)
	})

	t.Run("consume once", func(t *testing.T) {
		r := open(t, newRegistry)
		ctx := context.Background()

		require.NoError(t, r.Save(ctx, storage.Tokens{"abc123": "demo.zip", "keep": "other.zip"}))

		filename, err := r.Consume(ctx, "abc123", nil)
		require.NoError(t, err)
		assert.Equal(t, "demo.zip", filename)

		_, err = r.Consume(ctx, "abc123", nil)
		require.ErrorIs(t, err, storage.ErrTokenNotFound)

		got, err := r.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, storage.Tokens{"keep": "other.zip"}, got)
	})

	t.Run("consume unknown token leaves registry unchanged", func(t *testing.T) {
		r := open(t, newRegistry)
		ctx := context.Background()

		require.NoError(t, r.Save(ctx, storage.Tokens{"abc123": "demo.zip"}))

		_, err := r.Consume(ctx, "xyz", nil)
		require.ErrorIs(t, err, storage.ErrTokenNotFound)

		got, err := r.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, storage.Tokens{"abc123": "demo.zip"}, got)
	})

	t.Run("failed check keeps token", func(t *testing.T) {
		r := open(t, newRegistry)
		ctx := context.Background()

		require.NoError(t, r.Save(ctx, storage.Tokens{"abc123": "../../etc/passwd"}))

		checkErr := errors.New("unsafe")

		var seen string

		filename, err := r.Consume(ctx, "abc123", func(f string) error {
			seen = f

			return checkErr
		})
		require.ErrorIs(t, err, checkErr)
		assert.Equal(t, "../../etc/passwd", seen)
		assert.Equal(t, "../../etc/passwd", filename)

		got, err := r.Load(ctx)
		require.NoError(t, err)
		assert.Contains(t, got, "abc123")
	})

	t.Run("concurrent consume has exactly one winner", func(t *testing.T) {
		r := open(t, newRegistry)
		ctx := context.Background()

		require.NoError(t, r.Save(ctx, storage.Tokens{"abc123": "demo.zip"}))

		const callers = 16

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
		)

		for i := 0; i < callers; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := r.Consume(ctx, "abc123", nil)
				if err == nil {
					successes.Add(1)

					return
				}

				if !errors.Is(err, storage.ErrTokenNotFound) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}

		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
	})

	t.Run("concurrent inserts are not lost", func(t *testing.T) {
		r := open(t, newRegistry)
		ctx := context.Background()

		const writers = 16

		var wg sync.WaitGroup

		for i := 0; i < writers; i++ {
			wg.Add(1)

			go func(i int) {
				defer wg.Done()

				assert.NoError(t, r.Insert(ctx, fmt.Sprintf("tok%d", i), "demo.zip"))
			}(i)
		}

		wg.Wait()

		got, err := r.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, got, writers)
	})
}

func open(t *testing.T, newRegistry Factory) storage.Registry {
	t.Helper()

	r := newRegistry(t)
	t.Cleanup(func() { _ = r.Close() })

	return r
}
