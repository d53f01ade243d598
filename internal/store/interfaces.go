// Package store provides the sqlite-backed reference implementation of the
// membership and reminder table contracts that spec §6 treats as external
// collaborators: internal/membership and internal/reminder depend only on
// narrow Go interfaces, and this package is one concrete backend for them,
// built the way the teacher builds its own storage layer (database/sql,
// golang-migrate, go-sqlite3, transaction retry with backoff).
package store

import (
	"context"
	"database/sql"
	"time"
)

// DefaultStoreTimeout is the default timeout used for any interaction with
// the storage/database.
var DefaultStoreTimeout = 10 * time.Second

const (
	// DefaultNumTxRetries is the default number of times a transaction is
	// retried if it fails with an error that permits repetition.
	DefaultNumTxRetries = 10

	// DefaultInitialRetryDelay is the default initial delay between
	// retries; doubled after each attempt up to DefaultMaxRetryDelay.
	DefaultInitialRetryDelay = 40 * time.Millisecond

	// DefaultMaxRetryDelay caps the backoff delay between tx retries.
	DefaultMaxRetryDelay = 3 * time.Second
)

// TxOptions controls whether a transaction is read-only.
type TxOptions interface {
	ReadOnly() bool
}

// BaseTxOptions is the concrete TxOptions implementation.
type BaseTxOptions struct {
	readOnly bool
}

// ReadOnly implements TxOptions.
func (o *BaseTxOptions) ReadOnly() bool { return o.readOnly }

// ReadTxOption returns a read-only TxOptions.
func ReadTxOption() *BaseTxOptions { return &BaseTxOptions{readOnly: true} }

// WriteTxOption returns a read-write TxOptions.
func WriteTxOption() *BaseTxOptions { return &BaseTxOptions{readOnly: false} }

// QueryCreator builds a Q (usually a thin query wrapper) from a live
// transaction. Callers that don't need a wrapper type can pass an identity
// function returning tx itself.
type QueryCreator[Q any] func(*sql.Tx) Q

// BatchedQuerier is the capability a TransactionExecutor needs from its
// underlying database: the ability to start a transaction given TxOptions.
type BatchedQuerier interface {
	BeginTx(ctx context.Context, opts TxOptions) (*sql.Tx, error)
}

// BaseDB is the common base every concrete store embeds.
type BaseDB struct {
	*sql.DB
}

// NewBaseDB wraps a raw *sql.DB.
func NewBaseDB(db *sql.DB) *BaseDB {
	return &BaseDB{DB: db}
}

// BeginTx implements BatchedQuerier.
func (b *BaseDB) BeginTx(ctx context.Context, opts TxOptions) (*sql.Tx, error) {
	return b.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: opts.ReadOnly()})
}
