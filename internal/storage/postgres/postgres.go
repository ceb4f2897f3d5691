// Package postgres implements PostgreSQL-backed audit storage using
// GORM. All GORM usage is confined to the storage packages; domain
// types remain ORM-free.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nekrolabs/sandpool/internal/executor"
	"github.com/nekrolabs/sandpool/internal/storage"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL and configures the connection pool.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	slogger.Info("postgres store opened",
		slog.Int("max_open_conns", cfg.maxOpen()),
	)
	return &Store{db: db, logger: slogger}, nil
}

// Executions returns the execution audit sub-store.
func (s *Store) Executions() executor.AuditStore {
	return &executionRepo{db: s.db}
}

// Migrate runs GORM AutoMigrate for the audit schema.
func (s *Store) Migrate(_ context.Context) error {
	if err := s.db.AutoMigrate(&ExecutionModel{}); err != nil {
		return fmt.Errorf("migrating audit schema: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

// DB exposes the gorm handle for the SQLite backend, which shares this
// package's models and repo.
func (s *Store) DB() *gorm.DB { return s.db }

// NewExecutionRepo creates the audit repo on an existing gorm handle.
// Used by the SQLite backend.
func NewExecutionRepo(db *gorm.DB) executor.AuditStore {
	return &executionRepo{db: db}
}

// executionRepo implements executor.AuditStore on GORM.
type executionRepo struct {
	db *gorm.DB
}

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

func (r *executionRepo) Append(ctx context.Context, rec *executor.ExecutionRecord) error {
	model := toModel(rec)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		// A replayed record ID is a duplicate append, not a failure.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil
		}
		return fmt.Errorf("appending execution record: %w", err)
	}
	return nil
}

func (r *executionRepo) ListBySession(ctx context.Context, sessionKey string, limit int) ([]executor.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []ExecutionModel
	err := r.db.WithContext(ctx).
		Where("session_key = ?", sessionKey).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing execution records: %w", err)
	}

	records := make([]executor.ExecutionRecord, len(models))
	for i := range models {
		records[i] = fromModel(&models[i])
	}
	return records, nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

var _ logger.Writer = slogAdapter{}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
