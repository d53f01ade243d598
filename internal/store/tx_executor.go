package store

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/quarkrun/quark/internal/quarklog"
)

var log btclog.Logger = btclog.Disabled

func init() {
	quarklog.Register("STOR", func(l btclog.Logger) { log = l })
}

// txExecutorOptions configures retry behavior for serialization/deadlock
// errors encountered while committing a transaction.
type txExecutorOptions struct {
	numRetries        int
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
}

func defaultTxExecutorOptions() *txExecutorOptions {
	return &txExecutorOptions{
		numRetries:        DefaultNumTxRetries,
		initialRetryDelay: DefaultInitialRetryDelay,
		maxRetryDelay:     DefaultMaxRetryDelay,
	}
}

// randRetryDelay returns a random delay between 50%-150% of the configured
// initial delay, doubled per attempt and capped at maxRetryDelay.
func (o *txExecutorOptions) randRetryDelay(attempt int) time.Duration {
	halfDelay := o.initialRetryDelay / 2
	randDelay := time.Duration(rand.Int63n(int64(o.initialRetryDelay)))
	initialDelay := halfDelay + randDelay

	if attempt == 0 {
		return initialDelay
	}

	factor := time.Duration(math.Pow(2, math.Min(float64(attempt), 32)))
	delay := initialDelay * factor

	if delay > o.maxRetryDelay {
		return o.maxRetryDelay
	}

	return delay
}

// TxExecutorOption configures a TransactionExecutor.
type TxExecutorOption func(*txExecutorOptions)

// WithTxRetries overrides the number of retry attempts.
func WithTxRetries(n int) TxExecutorOption {
	return func(o *txExecutorOptions) { o.numRetries = n }
}

// WithTxRetryDelay overrides the initial retry delay.
func WithTxRetryDelay(d time.Duration) TxExecutorOption {
	return func(o *txExecutorOptions) { o.initialRetryDelay = d }
}

// TransactionExecutor runs a txBody against a Q created from a live
// *sql.Tx, retrying on serialization or deadlock errors with jittered
// exponential backoff. Q is usually just *sql.Tx itself (see NewStore),
// but the type parameter is kept so a future concrete query wrapper can be
// substituted without touching callers.
type TransactionExecutor[Q any] struct {
	BatchedQuerier

	createQuery QueryCreator[Q]
	opts        *txExecutorOptions
}

// NewTransactionExecutor builds a TransactionExecutor[Q] over db, using
// createQuery to adapt each attempt's *sql.Tx into the executor's query
// type.
func NewTransactionExecutor[Q any](db BatchedQuerier,
	createQuery QueryCreator[Q], opts ...TxExecutorOption,
) *TransactionExecutor[Q] {

	txOpts := defaultTxExecutorOptions()
	for _, opt := range opts {
		opt(txOpts)
	}

	return &TransactionExecutor[Q]{
		BatchedQuerier: db,
		createQuery:    createQuery,
		opts:           txOpts,
	}
}

// ExecTx runs txBody inside a transaction, retrying on a
// serialization/deadlock error up to opts.numRetries times.
func (t *TransactionExecutor[Q]) ExecTx(ctx context.Context,
	txOptions TxOptions, txBody func(Q) error,
) error {

	waitBeforeRetry := func(attempt int) {
		delay := t.opts.randRetryDelay(attempt)
		log.DebugS(ctx, "retrying transaction after serialization "+
			"or deadlock error", "attempt", attempt, "delay", delay)
		time.Sleep(delay)
	}

	for i := 0; i < t.opts.numRetries; i++ {
		tx, err := t.BeginTx(ctx, txOptions)
		if err != nil {
			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				waitBeforeRetry(i)
				continue
			}

			return dbErr
		}

		defer func() { _ = tx.Rollback() }()

		if err := txBody(t.createQuery(tx)); err != nil {
			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				_ = tx.Rollback()
				waitBeforeRetry(i)
				continue
			}

			return dbErr
		}

		if err := tx.Commit(); err != nil {
			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				_ = tx.Rollback()
				waitBeforeRetry(i)
				continue
			}

			return dbErr
		}

		return nil
	}

	return ErrRetriesExceeded
}
