package database

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding-crm/internal/common/config"
	"onboarding-crm/internal/common/environment"
	apperrors "onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/logger"
)

// ==========================
// Test Helper Functions
// ==========================

func testDatabases() map[string]config.PostgresConfig {
	return map[string]config.PostgresConfig{
		"production":  {URL: "postgres://crm@prod/crm"},
		"development": {URL: "postgres://crm@dev/crm"},
		"test":        {URL: ""},
	}
}

type mockOpener struct {
	mu     sync.Mutex
	dsns   []string
	mocks  map[string]sqlmock.Sqlmock
	dbs    map[string]*sql.DB
	failOn map[string]error
}

func newMockOpener(t *testing.T, dsns ...string) *mockOpener {
	o := &mockOpener{
		mocks:  map[string]sqlmock.Sqlmock{},
		dbs:    map[string]*sql.DB{},
		failOn: map[string]error{},
	}
	for _, dsn := range dsns {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		o.mocks[dsn] = mock
		o.dbs[dsn] = db
	}
	return o
}

func (o *mockOpener) open(cfg config.PostgresConfig) (*sql.DB, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	dsn := cfg.GetDSN()
	o.dsns = append(o.dsns, dsn)
	if err := o.failOn[dsn]; err != nil {
		return nil, err
	}
	return o.dbs[dsn], nil
}

func fastRetry() GatewayOption {
	return WithRetryPolicy(RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond})
}

// ==========================
// Gateway
// ==========================

func TestGateway_ReusesPoolPerEnvironment(t *testing.T) {
	opener := newMockOpener(t, "postgres://crm@dev/crm", "postgres://crm@prod/crm")
	opener.mocks["postgres://crm@dev/crm"].ExpectPing()
	opener.mocks["postgres://crm@prod/crm"].ExpectPing()

	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open), fastRetry())
	ctx := context.Background()

	dev1, err := g.Conn(ctx, environment.Development)
	require.NoError(t, err)
	dev2, err := g.Conn(ctx, environment.Development)
	require.NoError(t, err)
	assert.Same(t, dev1, dev2)

	prod, err := g.Conn(ctx, environment.Production)
	require.NoError(t, err)
	assert.NotSame(t, dev1, prod)

	assert.Equal(t, []string{"postgres://crm@dev/crm", "postgres://crm@prod/crm"}, opener.dsns)
	for _, m := range opener.mocks {
		assert.NoError(t, m.ExpectationsWereMet())
	}
}

func TestGateway_MissingDSNIsUnavailable(t *testing.T) {
	opener := newMockOpener(t)
	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open))

	_, err := g.Conn(context.Background(), environment.Test)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionUnavailable))
	assert.Empty(t, opener.dsns, "no fallback to another environment")
}

func TestGateway_UnknownEnvironmentIsUnavailable(t *testing.T) {
	g := NewGateway(map[string]config.PostgresConfig{}, logger.NewTestLogger(t))
	_, err := g.Conn(context.Background(), environment.Development)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionUnavailable))
}

func TestGateway_FailureNotCached(t *testing.T) {
	opener := newMockOpener(t, "postgres://crm@dev/crm")
	mock := opener.mocks["postgres://crm@dev/crm"]
	mock.ExpectPing().WillReturnError(&pq.Error{Code: "28P01", Message: "password authentication failed"})
	mock.ExpectClose()

	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open), fastRetry())
	_, err := g.Conn(context.Background(), environment.Development)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionUnavailable))
	assert.NoError(t, mock.ExpectationsWereMet(), "auth failures are not retried")

	// The next call opens again.
	fresh, freshMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	freshMock.ExpectPing()
	opener.dbs["postgres://crm@dev/crm"] = fresh

	db, err := g.Conn(context.Background(), environment.Development)
	require.NoError(t, err)
	assert.Same(t, fresh, db)
	assert.Len(t, opener.dsns, 2)
}

func TestGateway_RetriesTransientPing(t *testing.T) {
	opener := newMockOpener(t, "postgres://crm@dev/crm")
	mock := opener.mocks["postgres://crm@dev/crm"]
	mock.ExpectPing().WillReturnError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	mock.ExpectPing().WillReturnError(&pq.Error{Code: "57P03", Message: "the database system is starting up"})
	mock.ExpectPing()

	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open), fastRetry())
	_, err := g.Conn(context.Background(), environment.Development)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_RetryIsBounded(t *testing.T) {
	opener := newMockOpener(t, "postgres://crm@dev/crm")
	mock := opener.mocks["postgres://crm@dev/crm"]
	for i := 0; i < 3; i++ {
		mock.ExpectPing().WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	}
	mock.ExpectClose()

	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open), fastRetry())
	_, err := g.Conn(context.Background(), environment.Development)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_OpenErrorIsUnavailable(t *testing.T) {
	opener := newMockOpener(t)
	opener.failOn["postgres://crm@prod/crm"] = errors.New("invalid dsn")

	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open))
	_, err := g.Conn(context.Background(), environment.Production)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionUnavailable))
}

func TestGateway_OnOpenRunsOnce(t *testing.T) {
	opener := newMockOpener(t, "postgres://crm@dev/crm")
	opener.mocks["postgres://crm@dev/crm"].ExpectPing()

	var calls int32
	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open),
		WithOnOpen(func(ctx context.Context, env environment.Environment, db *sql.DB) error {
			atomic.AddInt32(&calls, 1)
			assert.Equal(t, environment.Development, env)
			return nil
		}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Conn(context.Background(), environment.Development)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGateway_SlowEnvironmentDoesNotBlockCachedPools(t *testing.T) {
	opener := newMockOpener(t, "postgres://crm@dev/crm", "postgres://crm@prod/crm")
	opener.mocks["postgres://crm@dev/crm"].ExpectPing()
	opener.mocks["postgres://crm@prod/crm"].ExpectPing().WillDelayFor(time.Second)

	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open), fastRetry())
	ctx := context.Background()

	dev, err := g.Conn(ctx, environment.Development)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := g.Conn(ctx, environment.Production)
		done <- err
	}()
	require.Eventually(t, func() bool {
		opener.mu.Lock()
		defer opener.mu.Unlock()
		return len(opener.dsns) == 2
	}, time.Second, time.Millisecond)

	start := time.Now()
	again, err := g.Conn(ctx, environment.Development)
	require.NoError(t, err)
	assert.Same(t, dev, again)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, <-done)
}

func TestGateway_WaitingCallerHonoursContext(t *testing.T) {
	opener := newMockOpener(t, "postgres://crm@prod/crm")
	opener.mocks["postgres://crm@prod/crm"].ExpectPing().WillDelayFor(500 * time.Millisecond)

	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open), fastRetry())

	first := make(chan error, 1)
	go func() {
		_, err := g.Conn(context.Background(), environment.Production)
		first <- err
	}()
	require.Eventually(t, func() bool {
		opener.mu.Lock()
		defer opener.mu.Unlock()
		return len(opener.dsns) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Conn(ctx, environment.Production)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionUnavailable))

	require.NoError(t, <-first)
	assert.Len(t, opener.dsns, 1, "the waiting caller shares the in-flight open")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&pq.Error{Code: "08001"}))
	assert.True(t, isTransient(&pq.Error{Code: "57P03"}))
	assert.False(t, isTransient(&pq.Error{Code: "28P01"}))
	assert.False(t, isTransient(&pq.Error{Code: "42P01"}))
	assert.False(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(errors.New("syntax error")))
	assert.True(t, isTransient(&net.DNSError{Err: "no such host", Name: "db"}))
}

func TestForRequest(t *testing.T) {
	opener := newMockOpener(t, "postgres://crm@dev/crm")
	opener.mocks["postgres://crm@dev/crm"].ExpectPing()
	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open))

	_, _, err := ForRequest(context.Background(), g)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInternal))

	ctx := environment.WithResolution(context.Background(), environment.Resolution{Environment: environment.Development})
	db, env, err := ForRequest(ctx, g)
	require.NoError(t, err)
	assert.NotNil(t, db)
	assert.Equal(t, environment.Development, env)
}

// ==========================
// Settings store
// ==========================

func TestSettingsStore(t *testing.T) {
	opener := newMockOpener(t, "postgres://crm@dev/crm")
	mock := opener.mocks["postgres://crm@dev/crm"]
	mock.ExpectPing()
	mock.ExpectQuery(`SELECT value FROM settings WHERE key = \$1`).
		WithArgs("crm:environment:default").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO settings`).
		WithArgs("crm:environment:default", "test").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT value FROM settings WHERE key = \$1`).
		WithArgs("crm:environment:default").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("test"))

	g := NewGateway(testDatabases(), logger.NewTestLogger(t), WithOpener(opener.open))
	store := NewSettingsStore(g, environment.Development, "crm:environment:default")
	ctx := context.Background()

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Save(ctx, environment.Test))

	env, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, environment.Test, env)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS agents`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
