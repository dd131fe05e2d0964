// Package database provides the SQLite connection and schema for Augur.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schemas/*.sql
var schemas embed.FS

var schemaFiles = map[string]string{
	"augur": "augur_schema.sql",
}

// DatabaseProfile picks the synchronous mode and cache pragmas.
type DatabaseProfile string

const (
	// ProfileDurable fsyncs every commit. Used for run history and reports.
	ProfileDurable DatabaseProfile = "durable"
	// ProfileStandard trades fsyncs for throughput.
	ProfileStandard DatabaseProfile = "standard"
)

var profilePragmas = map[DatabaseProfile][]string{
	ProfileDurable:  {"synchronous(FULL)"},
	ProfileStandard: {"synchronous(NORMAL)", "temp_store(MEMORY)"},
}

var commonPragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"cache_size(-32000)",
}

// DB is an open SQLite database plus the name that selects its schema.
type DB struct {
	conn    *sql.DB
	path    string
	profile DatabaseProfile
	name    string
}

// Config describes where and how to open a database.
type Config struct {
	Path    string
	Profile DatabaseProfile
	Name    string
}

// New opens the database, creating its directory when needed.
func New(cfg Config) (*DB, error) {
	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}
	// file: URIs are used as-is (in-memory databases in tests)
	if !strings.HasPrefix(cfg.Path, "file:") {
		resolved, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve path of %s: %w", cfg.Name, err)
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", cfg.Name, err)
		}
		cfg.Path = resolved
	}

	conn, err := sql.Open("sqlite", dsn(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Name, err)
	}
	conn.SetMaxOpenConns(16)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile, name: cfg.Name}, nil
}

func dsn(path string, profile DatabaseProfile) string {
	pragmas := append([]string{"journal_mode(WAL)"}, profilePragmas[profile]...)
	pragmas = append(pragmas, commonPragmas...)

	var b strings.Builder
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString("?")
		} else {
			b.WriteString("&")
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the pool to repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) Name() string {
	return db.name
}

// Migrate applies the embedded schema for this database.
// Schemas use IF NOT EXISTS so applying them again is a no-op.
func (db *DB) Migrate() error {
	if _, ok := schemaFiles[db.name]; !ok {
		return nil
	}
	return ApplySchema(db.conn, db.name)
}

// ApplySchema executes the named embedded schema on an arbitrary connection.
// Tests use it with in-memory databases opened through other drivers.
func ApplySchema(conn *sql.DB, name string) error {
	file, ok := schemaFiles[name]
	if !ok {
		return fmt.Errorf("no schema for database %s", name)
	}
	ddl, err := schemas.ReadFile("schemas/" + file)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", file, err)
	}
	return WithTransaction(conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec(string(ddl)); err != nil {
			return fmt.Errorf("apply schema %s to %s: %w", file, name, err)
		}
		return nil
	})
}

// WithTransaction runs fn inside a transaction. The transaction commits only
// when fn returns nil; an error or a panic rolls it back.
func WithTransaction(conn *sql.DB, fn func(*sql.Tx) error) (err error) {
	if conn == nil {
		return fmt.Errorf("nil database connection")
	}
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("transaction panicked: %v", r)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("commit: %w", cErr)
		}
	}()

	return fn(tx)
}

// QuickCheck pings the database.
func (db *DB) QuickCheck(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Stats is the on-disk footprint reported by /api/system/status.
type Stats struct {
	SizeBytes    int64 `json:"size_bytes"`
	WALSizeBytes int64 `json:"wal_size_bytes"`
	PageCount    int64 `json:"page_count"`
	PageSize     int64 `json:"page_size"`
}

func (db *DB) GetStats() (*Stats, error) {
	var s Stats
	s.SizeBytes = fileSize(db.path)
	s.WALSizeBytes = fileSize(db.path + "-wal")

	for pragma, dst := range map[string]*int64{"page_count": &s.PageCount, "page_size": &s.PageSize} {
		if err := db.conn.QueryRow("PRAGMA " + pragma).Scan(dst); err != nil {
			return nil, fmt.Errorf("read %s: %w", pragma, err)
		}
	}
	return &s, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
