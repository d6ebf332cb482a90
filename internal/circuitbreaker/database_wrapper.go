package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps read-only warehouse access with a circuit breaker
type DatabaseWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, name string, settings Settings, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(name, settings.ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, "warehouse-client", cb)

	return &DatabaseWrapper{
		db:      db,
		cb:      cb,
		name:    name,
		service: "warehouse-client",
		logger:  logger,
	}
}

// DB returns the wrapped handle
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Breaker exposes the underlying breaker for health checks.
func (dw *DatabaseWrapper) Breaker() *CircuitBreaker { return dw.cb }

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	err := dw.cb.Execute(ctx, func(ctx context.Context) error {
		return dw.db.PingContext(ctx)
	})
	GlobalMetricsCollector.RecordRequest(dw.name, dw.service, dw.cb.State(), err == nil)
	return err
}

// QueryReadOnly runs query inside a read-only transaction under the circuit
// breaker and hands the rows to scan. The transaction is always rolled back.
func (dw *DatabaseWrapper) QueryReadOnly(ctx context.Context, query string, args []interface{}, scan func(*sqlx.Rows) error) error {
	err := dw.cb.Execute(ctx, func(ctx context.Context) error {
		tx, err := dw.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scan(rows)
	})
	GlobalMetricsCollector.RecordRequest(dw.name, dw.service, dw.cb.State(), err == nil)
	return err
}

// Close closes the underlying handle
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// IsCircuitBreakerOpen reports whether queries are currently rejected
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
