package store

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"roverworld.ai/internal/clock"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var (
	ErrNotFound    = errors.New("store: no rows")
	ErrTooManyRows = errors.New("store: more than one row")
)

//go:embed schema.sql
var schemaSQL string

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Args is the parameter map for named queries.
type Args = map[string]any

type Options struct {
	Driver string
	DSN    string

	// QueriesPath overrides the embedded query catalog. The file is
	// re-read when its mtime changes, checked at most once per RefreshEvery.
	QueriesPath  string
	RefreshEvery time.Duration

	// Clock is the service clock; each Run gets a child that follows it.
	Clock  *clock.Virtual
	Logger *log.Logger
}

type DB struct {
	db      *sqlx.DB
	driver  string
	queries *Catalog
	clock   *clock.Virtual
	logger  *log.Logger
}

func Open(opts Options) (*DB, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("empty db dsn")
	}
	switch driver {
	case DriverSQLite:
		if !strings.HasPrefix(opts.DSN, "file:") && opts.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(opts.DSN), 0o755); err != nil {
				return nil, err
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, opts.DSN)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if driver == DriverSQLite {
		// One connection: SQLite allows a single writer and nested contexts
		// must see their own uncommitted rows.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if err := initPragmas(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	} else {
		db.SetMaxOpenConns(16)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := initSchema(db, driver); err != nil {
		_ = db.Close()
		return nil, err
	}

	queries, err := NewCatalog(driver, opts.QueriesPath, opts.RefreshEvery)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &DB{db: db, driver: driver, queries: queries, clock: clk, logger: logger}, nil
}

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

var dialectTokens = map[string]map[string]string{
	DriverSQLite: {
		"{{serial}}": "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{blob}}":   "BLOB",
	},
	DriverPostgres: {
		"{{serial}}": "BIGSERIAL PRIMARY KEY",
		"{{blob}}":   "BYTEA",
	},
}

func initSchema(db *sqlx.DB, driver string) error {
	for _, stmt := range schemaStatements(driver) {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "schema: %s", firstLine(stmt))
		}
	}
	return nil
}

func schemaStatements(driver string) []string {
	src := schemaSQL
	for tok, repl := range dialectTokens[driver] {
		src = strings.ReplaceAll(src, tok, repl)
	}
	var out []string
	for _, part := range strings.Split(src, ";") {
		lines := make([]string, 0, 8)
		for _, l := range strings.Split(part, "\n") {
			if strings.HasPrefix(strings.TrimSpace(l), "--") {
				continue
			}
			lines = append(lines, l)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Driver() string        { return d.driver }
func (d *DB) Clock() *clock.Virtual { return d.clock }
func (d *DB) Queries() *Catalog     { return d.queries }
func (d *DB) Logger() *log.Logger   { return d.logger }

type ctxKey struct{}

// FromContext returns the Ctx opened by an enclosing Run, if any.
func FromContext(ctx context.Context) *Ctx {
	c, _ := ctx.Value(ctxKey{}).(*Ctx)
	return c
}

// Run opens a transactional context, calls fn, and commits when fn returns
// nil. Errors and panics roll back. A Run nested inside another Run on the
// same DB reuses the outer Ctx and leaves commit to the outer scope.
func (d *DB) Run(ctx context.Context, fn func(*Ctx) error) (err error) {
	if outer := FromContext(ctx); outer != nil && outer.db == d {
		return fn(outer)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	c := &Ctx{
		db:    d,
		tx:    tx,
		Cache: NewRowCache(),
		Clock: d.clock.Follow(),
	}
	c.ctx = context.WithValue(ctx, ctxKey{}, c)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				d.logger.Printf("rollback: %v (after %v)", rbErr, err)
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = errors.WithStack(cErr)
			return
		}
		for _, f := range c.afterCommit {
			f()
		}
	}()

	return fn(c)
}

// Ctx is one transactional context: a connection, the row cache, a clock
// and the player tree bound to it. A Ctx belongs to one goroutine.
type Ctx struct {
	db  *DB
	tx  *sqlx.Tx
	ctx context.Context

	Cache *RowCache
	Clock *clock.Virtual

	// Active is the root model loaded into this context.
	Active any

	afterCommit []func()
}

func (c *Ctx) Context() context.Context { return c.ctx }
func (c *Ctx) DB() *DB                  { return c.db }
func (c *Ctx) Now() time.Time           { return c.Clock.Now() }
func (c *Ctx) Logger() *log.Logger      { return c.db.logger }

// AfterCommit queues f to run once the outermost Run commits.
func (c *Ctx) AfterCommit(f func()) {
	c.afterCommit = append(c.afterCommit, f)
}

func (c *Ctx) bind(name string, arg any) (string, []any, error) {
	q, err := c.db.queries.Get(name)
	if err != nil {
		return "", nil, err
	}
	if arg == nil {
		arg = Args{}
	}
	q, args, err := sqlx.Named(q, arg)
	if err != nil {
		return "", nil, errors.Wrapf(err, "bind %s", name)
	}
	return c.tx.Rebind(q), args, nil
}

// Exec runs a statement expected to return no rows and reports rows affected.
func (c *Ctx) Exec(name string, arg any) (int64, error) {
	q, args, err := c.bind(name, arg)
	if err != nil {
		return 0, err
	}
	res, err := c.tx.ExecContext(c.ctx, q, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "exec %s", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}

// Row runs a query that must yield exactly one row.
func Row[T any](c *Ctx, name string, arg any) (T, error) {
	var zero T
	rows, err := Rows[T](c, name, arg)
	if err != nil {
		return zero, err
	}
	switch len(rows) {
	case 0:
		return zero, errors.Wrap(ErrNotFound, name)
	case 1:
		return rows[0], nil
	default:
		return zero, errors.Wrapf(ErrTooManyRows, "%s: %d rows", name, len(rows))
	}
}

// Rows runs a query and scans every row into T.
func Rows[T any](c *Ctx, name string, arg any) ([]T, error) {
	q, args, err := c.bind(name, arg)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := c.tx.SelectContext(c.ctx, &out, q, args...); err != nil {
		return nil, errors.Wrapf(err, "query %s", name)
	}
	return out, nil
}

// Bool maps a flag onto the INTEGER columns both dialects share.
func Bool(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NullMicros maps an optional instant onto a nullable INTEGER column.
func NullMicros(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	us := clock.Micros(*t)
	return &us
}

// UpsertCatalogs records content digests so operators can tell which
// definitions a database was last served with.
func (d *DB) UpsertCatalogs(ctx context.Context, digests map[string]string) error {
	return d.Run(ctx, func(c *Ctx) error {
		now := clock.Micros(c.Now())
		for name, digest := range digests {
			if _, err := c.Exec("catalog_upsert", Args{"name": name, "digest": digest, "updated_at": now}); err != nil {
				return err
			}
		}
		return nil
	})
}
