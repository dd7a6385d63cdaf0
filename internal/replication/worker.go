// Package replication copies recent events from each tenant's home region
// into its configured replica regions. Replicas rebuild their own hash
// chains: every copied event is re-hashed against the replica's chain
// tail, so each region's chain verifies independently.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/onnwee/auditrail/internal/event"
	"github.com/onnwee/auditrail/internal/jobs"
	"github.com/onnwee/auditrail/internal/region"
)

// Defaults for the trailing scan.
const (
	DefaultWindow    = 24 * time.Hour
	DefaultBatchSize = 1000
)

// Worker runs the replication scan.
type Worker struct {
	provider  region.ConnectionProvider
	directory region.Directory
	logger    *slog.Logger
	metrics   *jobs.Metrics

	window   time.Duration
	batch    int
	interval time.Duration

	running  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// Config contains worker settings.
type Config struct {
	// Window is the trailing scan window. Default: 24 hours.
	Window time.Duration

	// Batch caps events fetched per company per run. Default: 1000.
	Batch int

	// Interval is how often the scan runs. Default: 5 minutes.
	Interval time.Duration
}

// NewWorker creates a replication worker. logger and metrics may be nil.
func NewWorker(provider region.ConnectionProvider, directory region.Directory, logger *slog.Logger, metrics *jobs.Metrics, cfg Config) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Batch == 0 {
		cfg.Batch = DefaultBatchSize
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}

	return &Worker{
		provider:  provider,
		directory: directory,
		logger:    logger,
		metrics:   metrics,
		window:    cfg.Window,
		batch:     cfg.Batch,
		interval:  cfg.Interval,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// RunOnce performs one replication pass over every tenant with replicas.
// Overlapping runs are skipped. Per-event failures are logged and skipped;
// per-company failures are logged and the pass continues.
func (w *Worker) RunOnce(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("replication run already in progress, skipping")
		return nil
	}
	defer w.running.Store(false)

	start := time.Now()
	status := jobs.StatusSuccess

	companies, err := w.directory.CompaniesWithReplicas(ctx)
	if err != nil {
		w.observe(start, jobs.StatusFailure, 0)
		return fmt.Errorf("list replicated companies: %w", err)
	}

	copied := 0
	for _, c := range companies {
		n, err := w.replicateCompany(ctx, c)
		copied += n
		if err != nil {
			status = jobs.StatusFailure
			w.logger.Error("company replication failed",
				slog.String("company_id", c.ID),
				slog.String("error", err.Error()))
			if w.metrics != nil {
				w.metrics.IncJobErrors(jobs.JobTypeReplication, "company_replication")
			}
		}
	}

	w.observe(start, status, copied)
	if copied > 0 {
		w.logger.Info("replication pass complete",
			slog.Int("events_copied", copied),
			slog.Int("companies", len(companies)))
	}
	return nil
}

func (w *Worker) replicateCompany(ctx context.Context, c *region.Company) (int, error) {
	home := c.DataRegion
	if home == "" {
		home = region.DefaultRegion
	}
	primary, err := w.provider.StoreFor(ctx, home)
	if err != nil {
		return 0, err
	}

	since := time.Now().UTC().Add(-w.window)
	events, err := primary.ListRecent(ctx, c.ID, since, w.batch)
	if err != nil {
		return 0, fmt.Errorf("scan %s events: %w", home, err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	copied := 0
	for _, replica := range c.ReplicateTo {
		if replica == home {
			continue
		}
		store, err := w.provider.StoreFor(ctx, replica)
		if err != nil {
			w.logger.Error("replica region unavailable",
				slog.String("company_id", c.ID),
				slog.String("region", string(replica)),
				slog.String("error", err.Error()))
			continue
		}
		for _, ev := range events {
			ok, err := w.replicateEvent(ctx, store, replica, ev)
			if err != nil {
				w.logger.Error("event replication failed",
					slog.String("event_id", ev.ID),
					slog.String("region", string(replica)),
					slog.String("error", err.Error()))
				continue
			}
			if ok {
				copied++
			}
		}
	}
	return copied, nil
}

// replicateEvent copies one event into a replica region, re-hashed against
// the replica's own chain tail. Returns false when the event was already
// there.
func (w *Worker) replicateEvent(ctx context.Context, store region.EventStore, replica region.Region, src *event.AuditEvent) (bool, error) {
	exists, err := store.Exists(ctx, src.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, err = store.AppendChained(ctx, src.CompanyID, src.WorkspaceID, func(prevHash *string) (*event.AuditEvent, error) {
		cp := src.Clone()
		cp.DataRegion = string(replica)
		cp.PrevHash = prevHash
		hash, err := event.ComputeEventHash(event.HashInputFromEvent(cp), prevHash)
		if err != nil {
			return nil, err
		}
		cp.Hash = hash
		return cp, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Start begins the replication loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the loop.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("replication worker started",
		slog.Duration("window", w.window),
		slog.Duration("interval", w.interval),
		slog.Int("batch", w.batch))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("replication worker stopping due to context cancellation")
			return
		case <-w.stopChan:
			w.logger.Info("replication worker stopping")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("replication run failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Worker) observe(start time.Time, status string, copied int) {
	if w.metrics == nil {
		return
	}
	w.metrics.IncJobsTotal(jobs.JobTypeReplication, status)
	w.metrics.ObserveJobDuration(jobs.JobTypeReplication, time.Since(start).Seconds())
	if copied > 0 {
		w.metrics.AddJobItems(jobs.JobTypeReplication, "events_replicated", copied)
	}
}
