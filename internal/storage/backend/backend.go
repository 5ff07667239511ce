// Package backend opens the token registry selected by configuration.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/italolelis/zipdrop/internal/storage"
	"github.com/italolelis/zipdrop/internal/storage/bolt"
	"github.com/italolelis/zipdrop/internal/storage/jsonfile"
	"github.com/italolelis/zipdrop/internal/storage/sqlite"
)

// Supported backend names.
const (
	JSON   = "json"
	Bolt   = "bolt"
	SQLite = "sqlite"
)

// Options selects and configures a registry backend.
type Options struct {
	Backend string
	Path    string

	// OnCorrupt is called when the JSON registry cannot be parsed.
	OnCorrupt func(ctx context.Context, err *jsonfile.CorruptionError)
}

// Open returns the configured registry. An empty backend name selects JSON.
func Open(opts Options) (storage.Registry, error) {
	switch strings.ToLower(opts.Backend) {
	case "", JSON:
		var jsonOpts []jsonfile.Option
		if opts.OnCorrupt != nil {
			jsonOpts = append(jsonOpts, jsonfile.WithCorruptionHandler(opts.OnCorrupt))
		}

		reg, err := jsonfile.New(opts.Path, jsonOpts...)
		if err != nil {
			return nil, err
		}

		return reg, nil
	case Bolt:
		reg, err := bolt.Open(opts.Path)
		if err != nil {
			return nil, err
		}

		return reg, nil
	case SQLite:
		db, err := sqlite.InitDB(opts.Path)
		if err != nil {
			return nil, err
		}

		return sqlite.NewTokenRepository(db), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", opts.Backend)
	}
}
