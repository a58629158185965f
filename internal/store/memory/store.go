// Package memory implements store.Store in process memory. It backs tests,
// the process command and single-node deployments seeded from a YAML file.
package memory

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/alias-forwarder/internal/account"
	"github.com/shineum/alias-forwarder/internal/store"
)

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu      sync.RWMutex
	aliases map[string]*account.Alias // by address
	users   map[string]*account.User  // by id
	metrics map[string]*account.EmailMetric
}

// Seed is the YAML layout accepted by Load.
type Seed struct {
	Users   []account.User  `yaml:"users"`
	Aliases []account.Alias `yaml:"aliases"`
}

// New creates an empty store.
func New() *Store {
	return &Store{
		aliases: make(map[string]*account.Alias),
		users:   make(map[string]*account.User),
		metrics: make(map[string]*account.EmailMetric),
	}
}

// Load creates a store populated from a YAML seed file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	s := New()
	for i := range seed.Users {
		s.PutUser(&seed.Users[i])
	}
	for i := range seed.Aliases {
		if err := s.PutAlias(&seed.Aliases[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u *account.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

// PutAlias inserts or replaces an alias. Two aliases may not share an address.
func (s *Store) PutAlias(a *account.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.aliases[a.Address]; ok && existing.ID != a.ID {
		return fmt.Errorf("alias address %q already used by %s", a.Address, existing.ID)
	}
	cp := *a
	cp.BlockedSenders = append([]account.BlockedSender(nil), a.BlockedSenders...)
	s.aliases[a.Address] = &cp
	return nil
}

// ResolveAlias returns a copy of the alias registered under address.
func (s *Store) ResolveAlias(_ context.Context, address string) (*account.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aliases[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	cp.BlockedSenders = append([]account.BlockedSender(nil), a.BlockedSenders...)
	return &cp, nil
}

// GetUser returns a copy of the user.
func (s *Store) GetUser(_ context.Context, userID string) (*account.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// IncrementMetric adds one to the named counter.
func (s *Store) IncrementMetric(_ context.Context, aliasID string, kind account.MetricKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", store.ErrInvalidKind, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metrics[aliasID]
	if !ok {
		m = &account.EmailMetric{AliasID: aliasID}
		s.metrics[aliasID] = m
	}
	switch kind {
	case account.MetricForwarded:
		m.Forwarded++
	case account.MetricBlocked:
		m.Blocked++
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// GetMetric returns a copy of the counters for an alias.
func (s *Store) GetMetric(_ context.Context, aliasID string) (*account.EmailMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.metrics[aliasID]; ok {
		cp := *m
		return &cp, nil
	}
	return &account.EmailMetric{AliasID: aliasID}, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
