package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/zipdrop/internal/storage"
	"go.etcd.io/bbolt"
)

var bucketTokens = []byte("tokens")

// Registry stores tokens in a bbolt database. Every mutation is a single
// read-write transaction; bbolt allows one writer at a time, which gives
// Consume its atomicity.
type Registry struct {
	db *bbolt.DB
}

var _ storage.Registry = (*Registry)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("bolt registry: create directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt registry: open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTokens)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("bolt registry: create bucket: %w", err)
	}

	return &Registry{db: db}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) Load(_ context.Context) (storage.Tokens, error) {
	tokens := storage.Tokens{}

	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			tokens[string(k)] = string(v)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt registry: load: %w", err)
	}

	return tokens, nil
}

func (r *Registry) Save(_ context.Context, tokens storage.Tokens) error {
	return r.update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketTokens); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}

		b, err := tx.CreateBucket(bucketTokens)
		if err != nil {
			return err
		}

		for token, filename := range tokens {
			if err := b.Put([]byte(token), []byte(filename)); err != nil {
				return err
			}
		}

		return nil
	})
}

func (r *Registry) Insert(_ context.Context, token, filename string) error {
	return r.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		if b.Get([]byte(token)) != nil {
			return storage.ErrTokenExists
		}

		return b.Put([]byte(token), []byte(filename))
	})
}

func (r *Registry) Remove(_ context.Context, token string) error {
	return r.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		if b.Get([]byte(token)) == nil {
			return storage.ErrTokenNotFound
		}

		return b.Delete([]byte(token))
	})
}

func (r *Registry) Consume(_ context.Context, token string, check storage.CheckFunc) (string, error) {
	var filename string

	err := r.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)

		v := b.Get([]byte(token))
		if v == nil {
			return storage.ErrTokenNotFound
		}

		// v is only valid for the life of the transaction.
		filename = string(v)

		if check != nil {
			if err := check(filename); err != nil {
				return err
			}
		}

		return b.Delete([]byte(token))
	})

	return filename, err
}

// update runs fn in a read-write transaction. Errors returned by fn pass
// through untouched; anything else, such as a failed commit, is a
// persistence failure.
func (r *Registry) update(fn func(tx *bbolt.Tx) error) error {
	var fnErr error

	err := r.db.Update(func(tx *bbolt.Tx) error {
		fnErr = fn(tx)

		return fnErr
	})
	if err == nil {
		return nil
	}

	if fnErr != nil && !isBoltError(fnErr) {
		return fnErr
	}

	return fmt.Errorf("%w: %w", storage.ErrPersist, err)
}

func isBoltError(err error) bool {
	return errors.Is(err, bbolt.ErrTxNotWritable) ||
		errors.Is(err, bbolt.ErrDatabaseReadOnly) ||
		errors.Is(err, bbolt.ErrBucketNotFound) ||
		errors.Is(err, bbolt.ErrKeyRequired) ||
		errors.Is(err, bbolt.ErrKeyTooLarge) ||
		errors.Is(err, bbolt.ErrValueTooLarge)
}
