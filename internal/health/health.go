// Package health provides health check implementations for external
// dependencies: the primary database, Redis, and the regional stores.
package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/auditrail/internal/region"
)

// Checker probes one dependency.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// DBChecker implements health checking for SQL databases.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// RedisChecker implements health checking for Redis.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends a PING command.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// RegionChecker probes one regional event store through the connection
// provider.
type RegionChecker struct {
	provider region.ConnectionProvider
	region   region.Region
}

// NewRegionChecker creates a checker for one region.
func NewRegionChecker(provider region.ConnectionProvider, r region.Region) *RegionChecker {
	return &RegionChecker{provider: provider, region: r}
}

// HealthCheck pings the region's event store.
func (c *RegionChecker) HealthCheck(ctx context.Context) error {
	store, err := c.provider.StoreFor(ctx, c.region)
	if err != nil {
		return err
	}
	return store.Ping(ctx)
}

// CheckResult is one dependency's probe outcome.
type CheckResult struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Report aggregates named checkers into one probe pass.
type Report struct {
	checkers map[string]Checker
	timeout  time.Duration
}

// NewReport creates an empty report with a per-check timeout.
func NewReport(timeout time.Duration) *Report {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &Report{
		checkers: make(map[string]Checker),
		timeout:  timeout,
	}
}

// Add registers a named checker.
func (r *Report) Add(name string, c Checker) {
	r.checkers[name] = c
}

// Run probes every registered checker and returns per-dependency results.
func (r *Report) Run(ctx context.Context) map[string]CheckResult {
	out := make(map[string]CheckResult, len(r.checkers))
	for name, c := range r.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
		start := time.Now()
		err := c.HealthCheck(checkCtx)
		cancel()

		res := CheckResult{
			Healthy:   err == nil,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			res.Error = err.Error()
		}
		out[name] = res
	}
	return out
}

// Healthy reports whether every result passed.
func Healthy(results map[string]CheckResult) bool {
	for _, res := range results {
		if !res.Healthy {
			return false
		}
	}
	return true
}
