package repository

import (
	"bytes"
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateHandle signals a key-handle collision; callers regenerate
	// the handle and retry.
	ErrDuplicateHandle = errors.New("key handle already exists")

	// ErrActiveExists signals a lost race on the single-ACTIVE-per-device
	// index.
	ErrActiveExists = errors.New("device already has an active key")
)

type DB struct {
	*sql.DB
}

func New(db *sql.DB) *DB {
	return &DB{DB: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx so repository methods run
// unchanged inside a device-locked transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func (db *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db.DB
}

// WithLocks runs fn inside a transaction holding a pg advisory lock per key
// (device id, user id), serializing concurrent exchanges/rotations/
// revocations over the same device or user. Keys are acquired in sorted
// order so two requests locking the same set cannot deadlock. Locks release
// on commit or rollback.
func (db *DB) WithLocks(ctx context.Context, keys []uuid.UUID, fn func(ctx context.Context) error) error {
	sorted := make([]uuid.UUID, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "repository.WithLocks.BeginTx")
	}
	defer tx.Rollback()

	for _, key := range sorted {
		_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String())
		if err != nil {
			return errors.Wrap(err, "repository.WithLocks.AcquireLock")
		}
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "repository.WithLocks.Commit")
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	switch {
	case strings.Contains(pgErr.ConstraintName, "key_handle"):
		return ErrDuplicateHandle
	case strings.Contains(pgErr.ConstraintName, "one_active"):
		return ErrActiveExists
	}
	return nil
}
