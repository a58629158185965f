// Package gormstore implements store.Store on PostgreSQL or MySQL through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/shineum/alias-forwarder/internal/account"
	"github.com/shineum/alias-forwarder/internal/store"
)

// Store is a gorm-backed store.
type Store struct {
	db *gorm.DB
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// DefaultOptions returns the pool settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// NewPostgres opens a PostgreSQL store.
func NewPostgres(dsn string, opts Options) (*Store, error) {
	return NewWithDialector(postgres.Open(dsn), opts)
}

// NewMySQL opens a MySQL store.
func NewMySQL(dsn string, opts Options) (*Store, error) {
	return NewWithDialector(mysql.Open(dsn), opts)
}

// NewWithDialector opens a store on any gorm dialector.
func NewWithDialector(dialector gorm.Dialector, opts Options) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	s := &Store{db: db}
	if opts.AutoMigrate {
		if err := s.migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&account.User{},
		&account.Alias{},
		&account.BlockedSender{},
		&account.EmailMetric{},
	)
}

// DB exposes the gorm handle, used by provisioning tools and tests to write
// records the forwarder only reads.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ResolveAlias loads an alias and its block list by exact address.
func (s *Store) ResolveAlias(ctx context.Context, address string) (*account.Alias, error) {
	var alias account.Alias
	err := s.db.WithContext(ctx).
		Preload("BlockedSenders").
		Where("address = ?", address).
		First(&alias).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	// Collations may fold case; the alias address is an opaque identifier.
	if alias.Address != address {
		return nil, store.ErrNotFound
	}
	return &alias, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (*account.User, error) {
	var user account.User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// IncrementMetric performs a single upsert so concurrent writers never lose
// an increment.
func (s *Store) IncrementMetric(ctx context.Context, aliasID string, kind account.MetricKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", store.ErrInvalidKind, kind)
	}

	now := time.Now().UTC()
	row := account.EmailMetric{AliasID: aliasID, UpdatedAt: now}
	column := string(kind)
	switch kind {
	case account.MetricForwarded:
		row.Forwarded = 1
	case account.MetricBlocked:
		row.Blocked = 1
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "alias_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column:       gorm.Expr(column+" + ?", 1),
			"updated_at": now,
		}),
	}).Create(&row).Error
}

// GetMetric reads the counters for an alias.
func (s *Store) GetMetric(ctx context.Context, aliasID string) (*account.EmailMetric, error) {
	var metric account.EmailMetric
	err := s.db.WithContext(ctx).Where("alias_id = ?", aliasID).First(&metric).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &account.EmailMetric{AliasID: aliasID}, nil
		}
		return nil, err
	}
	return &metric, nil
}

// Ping checks the database connection.
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
