// Package store defines the persistence collaborator used by the forwarder:
// alias and user lookups plus atomic per-alias counters.
package store

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"github.com/shineum/alias-forwarder/internal/account"
)

// Common errors
var (
	ErrNotFound    = errors.New("record not found")
	ErrInvalidKind = errors.New("invalid metric kind")
)

// Store resolves aliases and users and records delivery counters.
// Implementations must make IncrementMetric safe under concurrent calls from
// independent processes targeting the same alias.
type Store interface {
	// ResolveAlias returns the alias whose address matches exactly, or
	// ErrNotFound.
	ResolveAlias(ctx context.Context, address string) (*account.Alias, error)

	// GetUser returns the user with the given id, or ErrNotFound.
	GetUser(ctx context.Context, userID string) (*account.User, error)

	MetricRecorder

	// Close releases connections held by the store.
	Close() error
}

// MetricRecorder increments and reads per-alias counters.
type MetricRecorder interface {
	// IncrementMetric adds one to the named counter, creating the row if
	// needed.
	IncrementMetric(ctx context.Context, aliasID string, kind account.MetricKind) error

	// GetMetric returns the counters for an alias. An alias that has never
	// been counted yields a zero metric.
	GetMetric(ctx context.Context, aliasID string) (*account.EmailMetric, error)

	// Close releases connections held by the recorder.
	Close() error
}

// WithMetrics returns a Store that reads aliases and users from s and keeps
// counters in m.
func WithMetrics(s Store, m MetricRecorder) Store {
	return &splitStore{Store: s, metrics: m}
}

type splitStore struct {
	Store
	metrics MetricRecorder
}

func (s *splitStore) IncrementMetric(ctx context.Context, aliasID string, kind account.MetricKind) error {
	return s.metrics.IncrementMetric(ctx, aliasID, kind)
}

func (s *splitStore) GetMetric(ctx context.Context, aliasID string) (*account.EmailMetric, error) {
	return s.metrics.GetMetric(ctx, aliasID)
}

func (s *splitStore) Close() error {
	return multierr.Append(s.Store.Close(), s.metrics.Close())
}
