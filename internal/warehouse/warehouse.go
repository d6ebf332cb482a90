package warehouse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/circuitbreaker"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

var (
	ErrNotConfigured  = errors.New("warehouse connection is not configured or failed to initialize")
	ErrEmptyStatement = errors.New("SQL statement cannot be empty")
	ErrNotReadOnly    = errors.New("only single SELECT or WITH statements are allowed")
)

// Row is one result row keyed by column name.
type Row = map[string]any

// Table describes a warehouse table matched by keyword.
type Table struct {
	Schema  string `json:"schema" db:"table_schema"`
	Name    string `json:"name" db:"table_name"`
	Comment string `json:"comment" db:"comment"`
}

// Status reports the availability of the warehouse.
type Status struct {
	State   state.WarehouseState
	Message string
}

// Querier runs read-only probes against the warehouse.
type Querier interface {
	Status() Status
	Execute(ctx context.Context, sql string, params []any, rowLimit int) ([]Row, error)
	FindTables(ctx context.Context, keywords []string, limit int) ([]Table, error)
}

// Options configures Connect.
type Options struct {
	Driver         string
	DSN            string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	MaxOpenConns   int
}

// offline is the Querier used when the warehouse is disabled or unreachable.
type offline struct{ status Status }

// Disabled returns a Querier reporting status disabled.
func Disabled(message string) Querier {
	return offline{status: Status{State: state.WarehouseDisabled, Message: message}}
}

func (o offline) Status() Status { return o.status }

func (o offline) Execute(context.Context, string, []any, int) ([]Row, error) {
	return nil, ErrNotConfigured
}

func (o offline) FindTables(context.Context, []string, int) ([]Table, error) { return nil, nil }

// Client is a connected warehouse.
type Client struct {
	driver       string
	db           *circuitbreaker.DatabaseWrapper
	queryTimeout time.Duration
	logger       *zap.Logger
}

// Connect opens the warehouse described by opts. It never fails: an empty DSN
// yields a disabled Querier, a failed or slow connection an errored one.
func Connect(ctx context.Context, opts Options, settings circuitbreaker.Settings, logger *zap.Logger) Querier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.DSN) == "" {
		return Disabled("Warehouse connection settings are not configured.")
	}
	db, err := sqlx.Open(opts.Driver, opts.DSN)
	if err != nil {
		logger.Warn("Warehouse open failed", zap.String("driver", opts.Driver), zap.Error(err))
		return offline{status: Status{State: state.WarehouseError, Message: err.Error()}}
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	client, err := NewClient(ctx, db, opts, settings, logger)
	if err != nil {
		_ = db.Close()
		return offline{status: Status{State: state.WarehouseError, Message: err.Error()}}
	}
	return client
}

// NewClient wraps an open handle and verifies it within the connect timeout.
func NewClient(ctx context.Context, db *sqlx.DB, opts Options, settings circuitbreaker.Settings, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 20 * time.Second
	}

	wrapper := circuitbreaker.NewDatabaseWrapper(db, "warehouse", settings, logger)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := wrapper.PingContext(pingCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.New("warehouse connection attempt timed out")
		}
		logger.Warn("Warehouse unreachable", zap.String("driver", db.DriverName()), zap.Error(err))
		return nil, err
	}

	logger.Info("Warehouse connected", zap.String("driver", db.DriverName()))
	return &Client{
		driver:       db.DriverName(),
		db:           wrapper,
		queryTimeout: queryTimeout,
		logger:       logger,
	}, nil
}

func (c *Client) Status() Status {
	if c.db.IsCircuitBreakerOpen() {
		return Status{State: state.WarehouseError, Message: "warehouse circuit breaker is open"}
	}
	return Status{State: state.WarehouseConnected}
}

// Ping verifies the connection for health checks.
func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

// Close releases the connection pool.
func (c *Client) Close() error { return c.db.Close() }

var (
	quotedOrComment = regexp.MustCompile(`(?s)'(?:[^']|'')*'|"(?:[^"]|"")*"|--[^\n]*|/\*.*?\*/`)
	wordPattern     = regexp.MustCompile(`[A-Za-z_]+`)

	// keywords that write, lock or change the session anywhere in a statement
	writeKeywords = map[string]bool{
		"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
		"INTO": true, "DROP": true, "ALTER": true, "CREATE": true, "TRUNCATE": true,
		"GRANT": true, "REVOKE": true, "COPY": true, "CALL": true, "EXEC": true,
		"EXECUTE": true, "LOCK": true, "VACUUM": true, "REINDEX": true, "ATTACH": true,
		"DETACH": true, "PRAGMA": true,
	}
)

// ReadOnly trims sql and rejects anything but a single SELECT/WITH statement
// free of writing keywords. It is a first filter; Execute also runs the
// statement in a read-only transaction.
func ReadOnly(sql string) (string, error) {
	trimmed := strings.TrimSpace(sql)
	trimmed = strings.TrimSpace(strings.TrimRight(trimmed, ";"))
	if trimmed == "" {
		return "", ErrEmptyStatement
	}
	body := quotedOrComment.ReplaceAllString(trimmed, " ")
	if strings.Contains(body, ";") {
		return "", ErrNotReadOnly
	}
	words := wordPattern.FindAllString(body, -1)
	if len(words) == 0 {
		return "", ErrEmptyStatement
	}
	switch strings.ToUpper(words[0]) {
	case "SELECT", "WITH":
	default:
		return "", ErrNotReadOnly
	}
	for _, w := range words[1:] {
		if writeKeywords[strings.ToUpper(w)] {
			return "", fmt.Errorf("%w: %s", ErrNotReadOnly, strings.ToUpper(w))
		}
	}
	return trimmed, nil
}

// Execute runs a read-only statement and returns at most rowLimit rows.
func (c *Client) Execute(ctx context.Context, sql string, params []any, rowLimit int) ([]Row, error) {
	stmt, err := ReadOnly(sql)
	if err != nil {
		return nil, err
	}
	if rowLimit <= 0 {
		rowLimit = 50
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	out := make([]Row, 0, rowLimit)
	err = c.db.QueryReadOnly(ctx, stmt, params, func(rows *sqlx.Rows) error {
		for len(out) < rowLimit && rows.Next() {
			row := make(Row)
			if err := rows.MapScan(row); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("warehouse query failed: %w", err)
	}
	return out, nil
}

var keywordSanitizer = regexp.MustCompile(`[^a-z0-9 _-]`)

// FindTables lists base tables whose name or comment matches one of the keywords.
func (c *Client) FindTables(ctx context.Context, keywords []string, limit int) ([]Table, error) {
	limit = max(1, min(limit, 20))

	var clean []string
	for _, k := range keywords {
		k = strings.TrimSpace(keywordSanitizer.ReplaceAllString(strings.ToLower(k), ""))
		if k != "" {
			clean = append(clean, k)
		}
	}

	var query string
	var binds []any
	switch c.driver {
	case "sqlite3":
		clauses := make([]string, 0, len(clean))
		for _, k := range clean {
			clauses = append(clauses, "LOWER(name) LIKE ?")
			binds = append(binds, "%"+k+"%")
		}
		query = `SELECT 'main' AS table_schema, name AS table_name, '' AS comment
			FROM sqlite_master WHERE type = 'table'`
		if len(clauses) > 0 {
			query += " AND (" + strings.Join(clauses, " OR ") + ")"
		}
		query += " ORDER BY name"
	default:
		clauses := make([]string, 0, len(clean))
		for _, k := range clean {
			clauses = append(clauses, "(LOWER(table_name) LIKE ? OR LOWER(COALESCE(obj_description((quote_ident(table_schema)||'.'||quote_ident(table_name))::regclass), '')) LIKE ?)")
			binds = append(binds, "%"+k+"%", "%"+k+"%")
		}
		query = `SELECT table_schema, table_name,
			COALESCE(obj_description((quote_ident(table_schema)||'.'||quote_ident(table_name))::regclass), '') AS comment
			FROM information_schema.tables
			WHERE table_type = 'BASE TABLE' AND table_schema NOT IN ('pg_catalog', 'information_schema')`
		if len(clauses) > 0 {
			query += " AND (" + strings.Join(clauses, " OR ") + ")"
		}
		query += " ORDER BY table_schema, table_name"
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	query = c.db.DB().Rebind(query)

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var tables []Table
	err := c.db.QueryReadOnly(ctx, query, binds, func(rows *sqlx.Rows) error {
		for rows.Next() {
			var t Table
			if err := rows.StructScan(&t); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			tables = append(tables, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("warehouse table lookup failed: %w", err)
	}
	return tables, nil
}
