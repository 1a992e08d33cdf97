package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lib/pq"
	"golang.org/x/sync/singleflight"

	"onboarding-crm/internal/common/config"
	"onboarding-crm/internal/common/environment"
	"onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/common/metrics"
)

// ConnProvider hands out the pool for an environment.
type ConnProvider interface {
	Conn(ctx context.Context, env environment.Environment) (*sql.DB, error)
}

// Opener creates an unpinged pool for one environment.
type Opener func(cfg config.PostgresConfig) (*sql.DB, error)

// OnOpen runs once after a pool is first established, before it is cached.
type OnOpen func(ctx context.Context, env environment.Environment, db *sql.DB) error

type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
}

type GatewayOption func(*Gateway)

func WithOpener(open Opener) GatewayOption {
	return func(g *Gateway) { g.open = open }
}

func WithRetryPolicy(p RetryPolicy) GatewayOption {
	return func(g *Gateway) { g.retry = p }
}

func WithOnOpen(fn OnOpen) GatewayOption {
	return func(g *Gateway) { g.onOpen = fn }
}

// Gateway owns one lazily created pool per environment. A request for an
// environment only ever receives that environment's pool.
type Gateway struct {
	configs map[environment.Environment]config.PostgresConfig
	open    Opener
	onOpen  OnOpen
	retry   RetryPolicy
	logger  logger.Logger

	mu      sync.RWMutex
	pools   map[environment.Environment]*sql.DB
	opening singleflight.Group
}

// NewGateway creates a gateway over the per-environment database settings.
func NewGateway(databases map[string]config.PostgresConfig, log logger.Logger, opts ...GatewayOption) *Gateway {
	configs := make(map[environment.Environment]config.PostgresConfig, len(databases))
	for name, cfg := range databases {
		configs[environment.Environment(name)] = cfg
	}

	g := &Gateway{
		configs: configs,
		open:    openPostgres,
		retry:   RetryPolicy{Attempts: 3, InitialDelay: 100 * time.Millisecond},
		logger:  log.WithFields(map[string]interface{}{"component": "persistence-gateway"}),
		pools:   make(map[environment.Environment]*sql.DB),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func openPostgres(cfg config.PostgresConfig) (*sql.DB, error) {
	client, err := NewPostgres(cfg)
	if err != nil {
		return nil, err
	}
	return client.DB, nil
}

// Conn returns the cached pool for env, creating it on first use. Failures
// are not cached and never fall back to another environment. Concurrent
// callers for the same environment share one open attempt.
func (g *Gateway) Conn(ctx context.Context, env environment.Environment) (*sql.DB, error) {
	g.mu.RLock()
	db, ok := g.pools[env]
	g.mu.RUnlock()
	if ok {
		return db, nil
	}

	ch := g.opening.DoChan(string(env), func() (interface{}, error) {
		return g.establish(ctx, env)
	})
	select {
	case <-ctx.Done():
		return nil, errors.NewConnectionUnavailableError(string(env), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	}
}

// establish opens, pings and prepares a pool without holding the map lock.
func (g *Gateway) establish(ctx context.Context, env environment.Environment) (*sql.DB, error) {
	g.mu.RLock()
	db, ok := g.pools[env]
	g.mu.RUnlock()
	if ok {
		return db, nil
	}

	cfg, ok := g.configs[env]
	if !ok || cfg.GetDSN() == "" {
		metrics.EnvironmentConnections.WithLabelValues(string(env), "unconfigured").Inc()
		return nil, errors.NewConnectionUnavailableError(string(env), fmt.Errorf("no connection string configured"))
	}

	log := g.logger.WithFields(map[string]interface{}{
		"environment": string(env),
		"target":      cfg.Redacted(),
	})

	db, err := g.open(cfg)
	if err != nil {
		metrics.EnvironmentConnections.WithLabelValues(string(env), "failed").Inc()
		log.Error("Failed to open connection pool", map[string]interface{}{"error": err.Error()})
		return nil, errors.NewConnectionUnavailableError(string(env), err)
	}

	if err := g.pingWithRetry(ctx, db, log); err != nil {
		_ = db.Close()
		metrics.EnvironmentConnections.WithLabelValues(string(env), "failed").Inc()
		log.Error("Connection pool unreachable", map[string]interface{}{"error": err.Error()})
		return nil, errors.NewConnectionUnavailableError(string(env), err)
	}

	if g.onOpen != nil {
		if err := g.onOpen(ctx, env, db); err != nil {
			_ = db.Close()
			metrics.EnvironmentConnections.WithLabelValues(string(env), "failed").Inc()
			log.Error("Connection pool setup failed", map[string]interface{}{"error": err.Error()})
			return nil, errors.NewConnectionUnavailableError(string(env), err)
		}
	}

	g.mu.Lock()
	g.pools[env] = db
	g.mu.Unlock()

	metrics.EnvironmentConnections.WithLabelValues(string(env), "opened").Inc()
	log.Info("Connection pool established", nil)
	return db, nil
}

func (g *Gateway) pingWithRetry(ctx context.Context, db *sql.DB, log logger.Logger) error {
	attempts := g.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := g.retry.InitialDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !isTransient(err) {
			break
		}

		log.Warn("Ping failed, retrying", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// isTransient reports connection-level failures worth another ping.
func isTransient(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if stderrors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P03"
	}

	var netErr net.Error
	return stderrors.As(err, &netErr)
}

// Ping reports the health of every pool opened so far.
func (g *Gateway) Ping(ctx context.Context) map[environment.Environment]error {
	g.mu.RLock()
	pools := make(map[environment.Environment]*sql.DB, len(g.pools))
	for env, db := range g.pools {
		pools[env] = db
	}
	g.mu.RUnlock()

	out := make(map[environment.Environment]error, len(pools))
	for env, db := range pools {
		out[env] = db.PingContext(ctx)
	}
	return out
}

// Close closes every open pool.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for env, db := range g.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", env, err))
		}
		delete(g.pools, env)
	}
	return stderrors.Join(errs...)
}

// ForRequest returns the pool for the environment resolved into ctx.
func ForRequest(ctx context.Context, conns ConnProvider) (*sql.DB, environment.Environment, error) {
	res, ok := environment.FromContext(ctx)
	if !ok {
		return nil, "", errors.NewInternalError(fmt.Errorf("request has no resolved environment"))
	}
	db, err := conns.Conn(ctx, res.Environment)
	if err != nil {
		return nil, res.Environment, err
	}
	return db, res.Environment, nil
}
