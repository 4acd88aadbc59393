// Package database wraps the SQL databases the host serves. Reads run
// concurrently and follow request cancellation; writes are serialized per
// database and always run to completion once started.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Kind identifies the SQL engine behind a Database.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
)

// ErrImmutable is returned when writing to a database opened read-only.
var ErrImmutable = errors.New("database is immutable")

// DefaultMaxReturnedRows caps Execute results unless Options says otherwise.
const DefaultMaxReturnedRows = 1000

// Options configures Open.
type Options struct {
	// Name is the name the database is served under.
	Name string
	// Kind selects the driver. Empty means it is inferred from DSN.
	Kind Kind
	// DSN is a file path, ":memory:", or a driver connection string.
	DSN string
	// Immutable opens SQLite files read-only and rejects every write.
	Immutable bool
	// MaxReturnedRows truncates Execute results. Zero means the default.
	MaxReturnedRows int
	// TimeLimit bounds each read query. Zero means no limit.
	TimeLimit time.Duration
	// OnSchemaChange runs after a write that changed the schema.
	OnSchemaChange func(ctx context.Context, db *Database)
	Logger         *slog.Logger
}

// Database is one served SQL database.
type Database struct {
	name           string
	kind           Kind
	db             *gorm.DB
	mutable        bool
	memory         bool
	maxRows        int
	timeLimit      time.Duration
	onSchemaChange func(ctx context.Context, db *Database)
	logger         *slog.Logger

	writeMu sync.Mutex
}

// InferKind guesses the driver from a DSN.
func InferKind(dsn string) Kind {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return KindPostgres
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("):
		return KindMySQL
	default:
		return KindSQLite
	}
}

func dialector(kind Kind, dsn string, immutable bool) (gorm.Dialector, error) {
	switch kind {
	case KindSQLite:
		if immutable && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn + "?mode=ro"
		}
		return sqlite.Open(dsn), nil
	case KindPostgres:
		return postgres.Open(dsn), nil
	case KindMySQL:
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), nil
	default:
		return nil, fmt.Errorf("unsupported database kind %q", kind)
	}
}

// Open connects to a database.
func Open(opts Options) (*Database, error) {
	if opts.Kind == "" {
		opts.Kind = InferKind(opts.DSN)
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("database name is required")
	}
	dial, err := dialector(opts.Kind, opts.DSN, opts.Immutable)
	if err != nil {
		return nil, err
	}
	gdb, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", opts.Name, err)
	}

	memory := opts.Kind == KindSQLite && (opts.DSN == ":memory:" || strings.Contains(opts.DSN, "mode=memory"))
	if memory {
		// Every pooled connection to ":memory:" would be a separate database.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", opts.Name, err)
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}

	return newDatabase(gdb, opts, memory), nil
}

// New wraps an existing gorm connection.
func New(gdb *gorm.DB, opts Options) *Database {
	if opts.Kind == "" {
		opts.Kind = Kind(gdb.Dialector.Name())
	}
	return newDatabase(gdb, opts, false)
}

func newDatabase(gdb *gorm.DB, opts Options, memory bool) *Database {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRows := opts.MaxReturnedRows
	if maxRows <= 0 {
		maxRows = DefaultMaxReturnedRows
	}
	return &Database{
		name:           opts.Name,
		kind:           opts.Kind,
		db:             gdb,
		mutable:        !opts.Immutable,
		memory:         memory,
		maxRows:        maxRows,
		timeLimit:      opts.TimeLimit,
		onSchemaChange: opts.OnSchemaChange,
		logger:         logger.With("database", opts.Name),
	}
}

// Name returns the name the database is served under.
func (d *Database) Name() string { return d.name }

// Kind returns the engine kind.
func (d *Database) Kind() Kind { return d.kind }

// IsMutable reports whether writes are accepted.
func (d *Database) IsMutable() bool { return d.mutable }

// IsMemory reports whether the database lives in memory.
func (d *Database) IsMemory() bool { return d.memory }

// Gorm returns the underlying connection pool.
func (d *Database) Gorm() *gorm.DB { return d.db }

// SetOnSchemaChange replaces the schema change callback.
func (d *Database) SetOnSchemaChange(fn func(ctx context.Context, db *Database)) {
	d.onSchemaChange = fn
}

// Quote quotes an identifier for this engine.
func (d *Database) Quote(name string) string {
	var b strings.Builder
	d.db.Dialector.QuoteTo(&b, name)
	return b.String()
}

// Close releases the connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Execute runs a read query and returns at most the configured number of
// rows. The query is cancelled when ctx is.
func (d *Database) Execute(ctx context.Context, query string, params ...any) (*Results, error) {
	if d.timeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeLimit)
		defer cancel()
	}
	rows, err := d.db.WithContext(ctx).Raw(query, params...).Rows()
	if err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	defer rows.Close()
	res, err := scanResults(rows, d.maxRows, d.kind == KindMySQL)
	if err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	return res, nil
}

// ExecuteReadOnly runs a single SELECT statement with writes disabled at the
// engine level. It is used for SQL supplied by plugins and returns every row.
func (d *Database) ExecuteReadOnly(ctx context.Context, query string, params ...any) (*Results, error) {
	return d.executeReadOnly(ctx, 0, query, params)
}

// Query runs SQL typed in by a user: like ExecuteReadOnly, but time-limited
// and truncated to the configured row limit.
func (d *Database) Query(ctx context.Context, query string, params ...any) (*Results, error) {
	if d.timeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeLimit)
		defer cancel()
	}
	return d.executeReadOnly(ctx, d.maxRows, query, params)
}

func (d *Database) executeReadOnly(ctx context.Context, limit int, query string, params []any) (*Results, error) {
	if err := CheckReadOnly(query); err != nil {
		return nil, err
	}
	var res *Results
	run := func(conn *gorm.DB) error {
		rows, err := conn.Raw(query, params...).Rows()
		if err != nil {
			return err
		}
		defer rows.Close()
		res, err = scanResults(rows, limit, d.kind == KindMySQL)
		return err
	}

	var err error
	if d.kind == KindSQLite {
		err = d.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
			if err := conn.Exec("PRAGMA query_only = 1").Error; err != nil {
				return err
			}
			defer conn.WithContext(context.WithoutCancel(ctx)).Exec("PRAGMA query_only = 0")
			return run(conn)
		})
	} else {
		err = d.db.WithContext(ctx).Transaction(run, readOnlyTx)
	}
	if err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	return res, nil
}

// WriteResult reports the effect of ExecuteWrite.
type WriteResult struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id,omitempty"`
}

// ExecuteWrite runs one mutating statement inside a write transaction.
func (d *Database) ExecuteWrite(ctx context.Context, query string, params ...any) (WriteResult, error) {
	out, err := d.ExecuteWriteFn(ctx, func(tx *gorm.DB) (any, error) {
		res := tx.Exec(query, params...)
		if res.Error != nil {
			return nil, res.Error
		}
		wr := WriteResult{RowsAffected: res.RowsAffected}
		if d.kind == KindSQLite {
			if err := tx.Raw("SELECT last_insert_rowid()").Scan(&wr.LastInsertID).Error; err != nil {
				return nil, err
			}
		}
		return wr, nil
	})
	if err != nil {
		return WriteResult{}, &QueryError{SQL: query, Err: err}
	}
	return out.(WriteResult), nil
}

// ExecuteWriteFn runs fn inside a write transaction and returns its result.
// Writes to the same database never interleave. Once the write starts it is
// not cancelled by ctx. fn must only use tx.
func (d *Database) ExecuteWriteFn(ctx context.Context, fn func(tx *gorm.DB) (any, error)) (any, error) {
	if !d.mutable {
		return nil, ErrImmutable
	}
	ctx = context.WithoutCancel(ctx)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var before string
	if d.onSchemaChange != nil {
		before, _ = d.SchemaVersion(ctx)
	}

	var out any
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if d.onSchemaChange != nil {
		after, verr := d.SchemaVersion(ctx)
		if verr != nil || after != before {
			d.logger.Debug("schema changed", "before", before, "after", after)
			d.onSchemaChange(ctx, d)
		}
	}
	return out, nil
}
