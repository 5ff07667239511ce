package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/zipdrop/internal/storage"
	"github.com/mattn/go-sqlite3"
)

// TokenRepository implements storage.Registry on top of SQLite.
type TokenRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Registry = (*TokenRepository)(nil)

func NewTokenRepository(dbConn *sql.DB) *TokenRepository {
	return &TokenRepository{db: dbConn, now: time.Now}
}

func (r *TokenRepository) Load(ctx context.Context) (storage.Tokens, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT token, filename FROM tokens`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := storage.Tokens{}

	for rows.Next() {
		var token, filename string
		if err := rows.Scan(&token, &filename); err != nil {
			return nil, err
		}

		tokens[token] = filename
	}

	return tokens, rows.Err()
}

func (r *TokenRepository) Save(ctx context.Context, tokens storage.Tokens) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tokens`); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO tokens (token, filename, issued_at) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		issuedAt := r.now().UTC().Format(time.RFC3339)

		for token, filename := range tokens {
			if _, err := stmt.ExecContext(ctx, token, filename, issuedAt); err != nil {
				return err
			}
		}

		return nil
	})
}

func (r *TokenRepository) Insert(ctx context.Context, token, filename string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tokens (token, filename, issued_at) VALUES (?, ?, ?)`,
		token, filename, r.now().UTC().Format(time.RFC3339),
	)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return storage.ErrTokenExists
	}

	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrPersist, err)
	}

	return nil
}

func (r *TokenRepository) Remove(ctx context.Context, token string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrPersist, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrTokenNotFound
	}

	return nil
}

// Consume selects and deletes the token inside one IMMEDIATE transaction.
func (r *TokenRepository) Consume(ctx context.Context, token string, check storage.CheckFunc) (string, error) {
	var filename string

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT filename FROM tokens WHERE token = ?`, token).Scan(&filename)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrTokenNotFound
		}

		if err != nil {
			return err
		}

		if check != nil {
			if err := check(filename); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token); err != nil {
			return fmt.Errorf("%w: %w", storage.ErrPersist, err)
		}

		return nil
	})

	return filename, err
}

func (r *TokenRepository) Close() error {
	return r.db.Close()
}

// inTx runs fn in a transaction. Errors from fn are returned as is; a failed
// commit is a persistence failure.
func (r *TokenRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", storage.ErrPersist, err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", storage.ErrPersist, err)
	}

	return nil
}
