package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/italolelis/zipdrop/internal/storage/bolt"
	"github.com/italolelis/zipdrop/internal/storage/jsonfile"
	"github.com/italolelis/zipdrop/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		backend string
		file    string
		want    any
	}{
		{"", "tokens.json", &jsonfile.Registry{}},
		{"json", "tokens.json", &jsonfile.Registry{}},
		{"BOLT", "tokens.db", &bolt.Registry{}},
		{"sqlite", "tokens.sqlite", &sqlite.TokenRepository{}},
	}

	for _, tt := range tests {
		t.Run("backend "+tt.backend, func(t *testing.T) {
			reg, err := Open(Options{Backend: tt.backend, Path: filepath.Join(t.TempDir(), tt.file)})
			require.NoError(t, err)
			t.Cleanup(func() { _ = reg.Close() })

			assert.IsType(t, tt.want, reg)

			require.NoError(t, reg.Insert(context.Background(), "tok", "a.zip"))
			tokens, err := reg.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "a.zip", tokens["tok"])
		})
	}

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(Options{Backend: "redis", Path: t.TempDir()})
		require.ErrorContains(t, err, `unknown registry backend "redis"`)
	})
}
