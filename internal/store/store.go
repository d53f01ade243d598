package store

import (
	"context"
	"database/sql"
)

// Store wraps a BaseDB with transaction retry support. Unlike the teacher's
// Store, there is no generated query layer to parameterize the executor
// with: membership and reminder tables issue hand-written SQL directly
// against the *sql.Tx handed to their txBody closures.
type Store struct {
	*BaseDB

	txExecutor *TransactionExecutor[*sql.Tx]
}

// NewStore wraps db in a Store ready for ExecTx.
func NewStore(db *sql.DB) *Store {
	baseDB := NewBaseDB(db)

	identity := func(tx *sql.Tx) *sql.Tx { return tx }

	return &Store{
		BaseDB:     baseDB,
		txExecutor: NewTransactionExecutor(baseDB, identity),
	}
}

// ExecTx runs txBody inside a transaction, retrying on serialization or
// deadlock conflicts per the executor's backoff policy.
func (s *Store) ExecTx(ctx context.Context, txOptions TxOptions,
	txBody func(*sql.Tx) error,
) error {
	return s.txExecutor.ExecTx(ctx, txOptions, txBody)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.BaseDB.Close()
}

// DB returns the underlying database connection. This method exists for
// compatibility with code that expects a DB() method.
func (s *Store) DB() *sql.DB {
	return s.BaseDB.DB
}
