package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/auditrail/internal/event"
	"github.com/onnwee/auditrail/internal/jobs"
	"github.com/onnwee/auditrail/internal/region"
)

// EntryFromEvent projects a regional event row onto its index entry.
func EntryFromEvent(e *event.AuditEvent) *Entry {
	return &Entry{
		ID:          e.ID,
		CompanyID:   e.CompanyID,
		WorkspaceID: e.WorkspaceID,
		ProjectID:   e.ProjectID,
		DataRegion:  e.DataRegion,
		OccurredAt:  e.CreatedAt,
		Action:      e.Action,
		Category:    e.Category,
		ActorID:     e.ActorID,
		ActorEmail:  e.ActorEmail,
	}
}

// SweepService periodically reconciles the index against recent regional
// events. Index writes on the ingest path are best-effort; the sweep
// inserts whatever they missed. Entries without a matching regional row
// are left alone since a pending-write replay may still land the event.
type SweepService struct {
	repo      Repository
	provider  region.ConnectionProvider
	directory region.Directory
	logger    *slog.Logger
	metrics   *jobs.Metrics

	lookback time.Duration
	interval time.Duration
	batch    int

	stopChan chan struct{}
	doneChan chan struct{}
}

// SweepConfig contains configuration for the reconciliation sweep.
type SweepConfig struct {
	// Lookback is how far back to scan regional events. Default: 1 hour.
	Lookback time.Duration

	// Interval is how often the sweep runs. Default: 15 minutes.
	Interval time.Duration

	// Batch caps the events fetched per company per run. Default: 1000.
	Batch int
}

// NewSweepService creates a sweep service. logger and metrics may be nil.
func NewSweepService(repo Repository, provider region.ConnectionProvider, directory region.Directory, logger *slog.Logger, metrics *jobs.Metrics, cfg SweepConfig) *SweepService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = time.Hour
	}
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Batch == 0 {
		cfg.Batch = 1000
	}

	return &SweepService{
		repo:      repo,
		provider:  provider,
		directory: directory,
		logger:    logger,
		metrics:   metrics,
		lookback:  cfg.Lookback,
		interval:  cfg.Interval,
		batch:     cfg.Batch,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *SweepService) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop gracefully stops the sweep loop.
func (s *SweepService) Stop() {
	close(s.stopChan)
	<-s.doneChan
}

func (s *SweepService) run(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("index sweep started",
		slog.Duration("lookback", s.lookback),
		slog.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("index sweep stopping due to context cancellation")
			return
		case <-s.stopChan:
			s.logger.Info("index sweep stopping")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("index sweep failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce scans every company's primary region for recent events missing
// from the index and inserts their entries. Per-company failures are
// logged and the scan continues.
func (s *SweepService) RunOnce(ctx context.Context) error {
	start := time.Now()
	status := jobs.StatusSuccess

	companies, err := s.directory.Companies(ctx)
	if err != nil {
		s.observe(start, jobs.StatusFailure, 0)
		return fmt.Errorf("list companies: %w", err)
	}

	since := time.Now().UTC().Add(-s.lookback)
	inserted := 0
	for _, c := range companies {
		n, err := s.sweepCompany(ctx, c, since)
		inserted += n
		if err != nil {
			status = jobs.StatusFailure
			s.logger.Error("index sweep company failed",
				slog.String("company_id", c.ID),
				slog.String("error", err.Error()))
			if s.metrics != nil {
				s.metrics.IncJobErrors(jobs.JobTypeIndexSweep, "company_sweep")
			}
		}
	}

	s.observe(start, status, inserted)
	if inserted > 0 {
		s.logger.Info("index sweep reconciled entries",
			slog.Int("inserted", inserted),
			slog.Int("companies", len(companies)))
	}
	return nil
}

func (s *SweepService) sweepCompany(ctx context.Context, c *region.Company, since time.Time) (int, error) {
	home := c.DataRegion
	if home == "" {
		home = region.DefaultRegion
	}
	store, err := s.provider.StoreFor(ctx, home)
	if err != nil {
		return 0, err
	}

	events, err := store.ListRecent(ctx, c.ID, since, s.batch)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, ev := range events {
		exists, err := s.repo.Exists(ctx, ev.ID)
		if err != nil {
			return inserted, err
		}
		if exists {
			continue
		}
		if err := s.repo.Insert(ctx, EntryFromEvent(ev)); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func (s *SweepService) observe(start time.Time, status string, inserted int) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncJobsTotal(jobs.JobTypeIndexSweep, status)
	s.metrics.ObserveJobDuration(jobs.JobTypeIndexSweep, time.Since(start).Seconds())
	if inserted > 0 {
		s.metrics.AddJobItems(jobs.JobTypeIndexSweep, "entries_inserted", inserted)
	}
}
