package gormstore

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/alias-forwarder/internal/account"
	"github.com/shineum/alias-forwarder/internal/store"
)

// openTestStore connects to the database named by ALIAS_FORWARDER_TEST_POSTGRES_DSN
// or ALIAS_FORWARDER_TEST_MYSQL_DSN and skips when neither is set.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	var (
		s   *Store
		err error
	)
	switch {
	case os.Getenv("ALIAS_FORWARDER_TEST_POSTGRES_DSN") != "":
		s, err = NewPostgres(os.Getenv("ALIAS_FORWARDER_TEST_POSTGRES_DSN"), DefaultOptions())
	case os.Getenv("ALIAS_FORWARDER_TEST_MYSQL_DSN") != "":
		s, err = NewMySQL(os.Getenv("ALIAS_FORWARDER_TEST_MYSQL_DSN"), DefaultOptions())
	default:
		t.Skip("no test database configured")
	}
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAlias(t *testing.T, s *Store, address string) (*account.Alias, *account.User) {
	t.Helper()

	user := &account.User{ID: uuid.NewString(), Email: "owner@example.com", Status: account.StatusTrial}
	alias := &account.Alias{
		ID:             uuid.NewString(),
		Address:        address,
		UserID:         user.ID,
		Enabled:        true,
		BlockedSenders: []account.BlockedSender{{Address: "spam@example.com"}},
	}
	require.NoError(t, s.DB().Create(user).Error)
	require.NoError(t, s.DB().Create(alias).Error)
	return alias, user
}

func TestStore_ResolveAndGetUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	address := "shop-" + uuid.NewString()[:8] + "@relay.test"
	alias, user := seedAlias(t, s, address)

	got, err := s.ResolveAlias(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, alias.ID, got.ID)
	assert.True(t, got.IsBlocked("spam@example.com"))

	_, err = s.ResolveAlias(ctx, "missing-"+address)
	assert.ErrorIs(t, err, store.ErrNotFound)

	owner, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", owner.Email)

	_, err = s.GetUser(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Ping(ctx))
}

func TestStore_ResolveIsCaseExact(t *testing.T) {
	s := openTestStore(t)

	address := "Shop-" + uuid.NewString()[:8] + "@relay.test"
	seedAlias(t, s, address)

	_, err := s.ResolveAlias(context.Background(), "s"+address[1:])
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	aliasID := uuid.NewString()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementMetric(ctx, aliasID, account.MetricForwarded))
		}()
	}
	wg.Wait()
	require.NoError(t, s.IncrementMetric(ctx, aliasID, account.MetricBlocked))

	m, err := s.GetMetric(ctx, aliasID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), m.Forwarded)
	assert.Equal(t, int64(1), m.Blocked)
}

func TestStore_IncrementRejectsUnknownKind(t *testing.T) {
	s := openTestStore(t)
	err := s.IncrementMetric(context.Background(), uuid.NewString(), account.MetricKind("opened"))
	assert.ErrorIs(t, err, store.ErrInvalidKind)
}

func TestStore_MissingMetricIsZero(t *testing.T) {
	s := openTestStore(t)
	m, err := s.GetMetric(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Zero(t, m.Forwarded)
	assert.Zero(t, m.Blocked)
}
