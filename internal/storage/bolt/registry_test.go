package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/italolelis/zipdrop/internal/storage"
	"github.com/italolelis/zipdrop/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Registry {
		r, err := Open(filepath.Join(t.TempDir(), "registry", "tokens.db"))
		require.NoError(t, err)

		return r
	})
}

func TestRegistry_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	ctx := context.Background()

	r, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, r.Insert(ctx, "abc123", "demo.zip"))
	require.NoError(t, r.Close())

	r, err = Open(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.Tokens{"abc123": "demo.zip"}, got)
}

func TestRegistry_SaveRejectsEmptyToken(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	defer r.Close()

	err = r.Save(context.Background(), storage.Tokens{"": "demo.zip"})
	require.ErrorIs(t, err, storage.ErrPersist)
}
