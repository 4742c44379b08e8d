// Package sqlstore implements the durable queue store over a SQL database
// via GORM, with SQLite for single-node deployments and PostgreSQL for
// multi-replica ones. Every multi-step task transition runs inside one
// database transaction; on PostgreSQL, claims additionally use
// SELECT ... FOR UPDATE SKIP LOCKED so replicas never hand the same task
// to two agents.
package sqlstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/kazi/internal/store"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds SQL store settings. Zero values fall back to the accessor
// defaults below.
type Config struct {
	// Driver selects the backend: "sqlite" (default) or "postgres".
	Driver string

	// Path is the SQLite database file. Parent directories are created.
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string

	// JournalMode is the SQLite journal mode. Default "wal".
	JournalMode string

	// Connection pool settings, PostgreSQL only.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) driver() string {
	if c.Driver == "" {
		return DriverSQLite
	}
	return c.Driver
}

func (c Config) path() string {
	if c.Path == "" {
		return "kazi.db"
	}
	return c.Path
}

func (c Config) journalMode() string {
	if c.JournalMode == "" {
		return "wal"
	}
	return c.JournalMode
}

func (c Config) maxOpenConns() int {
	if c.MaxOpenConns <= 0 {
		return 25
	}
	return c.MaxOpenConns
}

func (c Config) maxIdleConns() int {
	if c.MaxIdleConns <= 0 {
		return 5
	}
	return c.MaxIdleConns
}

func (c Config) connMaxLifetime() time.Duration {
	if c.ConnMaxLifetime <= 0 {
		return 30 * time.Minute
	}
	return c.ConnMaxLifetime
}

func (c Config) connMaxIdleTime() time.Duration {
	if c.ConnMaxIdleTime <= 0 {
		return 10 * time.Minute
	}
	return c.ConnMaxIdleTime
}

// Store is the SQL-backed implementation of store.Store.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured database and migrates the schema.
// A nil logger discards output.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	gormLogger := logger.New(slogAdapter{slogger}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.driver() {
	case DriverSQLite:
		path := cfg.path()
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
			path, cfg.journalMode())
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:  gormLogger,
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
			Logger:      gormLogger,
			NowFunc:     func() time.Time { return time.Now().UTC() },
			PrepareStmt: true,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("accessing connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.maxOpenConns())
		sqlDB.SetMaxIdleConns(cfg.maxIdleConns())
		sqlDB.SetConnMaxLifetime(cfg.connMaxLifetime())
		sqlDB.SetConnMaxIdleTime(cfg.connMaxIdleTime())
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	if err := db.AutoMigrate(
		&queueModel{},
		&pendingModel{},
		&processingModel{},
		&failureModel{},
		&deadLetterModel{},
		&agentModel{},
		&heartbeatModel{},
		&txLogModel{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	slogger.Info("sql store opened",
		slog.String("driver", cfg.driver()))

	return &Store{db: db, driver: cfg.driver(), logger: slogger}, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("accessing connection pool: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("accessing connection pool: %w", err)
	}
	return sqlDB.Close()
}

// slogAdapter bridges GORM's logger interface to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

// Compile-time check.
var _ store.Store = (*Store)(nil)
