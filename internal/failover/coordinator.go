package failover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/auditrail/internal/event"
	"github.com/onnwee/auditrail/internal/jobs"
	"github.com/onnwee/auditrail/internal/region"
)

// Region reachability states.
const (
	StateHealthy     = "HEALTHY"
	StateUnreachable = "UNREACHABLE"
)

// RegionHealth is one probe result.
type RegionHealth struct {
	Healthy   bool
	LatencyMs int64
}

// DefaultReplayBatch is how many pending writes one replay pass drains.
const DefaultReplayBatch = 100

// Coordinator probes region reachability, tracks the HEALTHY/UNREACHABLE
// state machine, and replays buffered writes into regions that recover.
// Replica promotion is out of scope: an unreachable region's writes wait.
type Coordinator struct {
	provider region.ConnectionProvider
	queue    Queue
	logger   *slog.Logger
	metrics  *jobs.Metrics

	probeTimeout time.Duration
	interval     time.Duration
	replayBatch  int

	mu     sync.Mutex
	states map[region.Region]string

	stopChan chan struct{}
	doneChan chan struct{}
}

// Config contains coordinator settings.
type Config struct {
	// ProbeTimeout bounds one health probe. Default: 3 seconds.
	ProbeTimeout time.Duration

	// Interval is how often the probe-and-replay loop runs. Default: 30
	// seconds.
	Interval time.Duration

	// ReplayBatch caps writes drained per region per pass. Default: 100.
	ReplayBatch int
}

// NewCoordinator creates a coordinator. logger and metrics may be nil.
func NewCoordinator(provider region.ConnectionProvider, queue Queue, logger *slog.Logger, metrics *jobs.Metrics, cfg Config) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ReplayBatch == 0 {
		cfg.ReplayBatch = DefaultReplayBatch
	}

	return &Coordinator{
		provider:     provider,
		queue:        queue,
		logger:       logger,
		metrics:      metrics,
		probeTimeout: cfg.ProbeTimeout,
		interval:     cfg.Interval,
		replayBatch:  cfg.ReplayBatch,
		states:       make(map[region.Region]string),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// CheckHealth probes one region with a bounded timeout and updates its
// state, logging transitions.
func (c *Coordinator) CheckHealth(ctx context.Context, r region.Region) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	healthy := false
	store, err := c.provider.StoreFor(probeCtx, r)
	if err == nil {
		healthy = store.Ping(probeCtx) == nil
	}

	c.transition(r, healthy)
	return healthy
}

// CheckAllRegions probes every configured region and reports health plus
// probe latency.
func (c *Coordinator) CheckAllRegions(ctx context.Context) (map[region.Region]RegionHealth, error) {
	regions, err := c.provider.AllRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}

	out := make(map[region.Region]RegionHealth, len(regions))
	for _, r := range regions {
		start := time.Now()
		healthy := c.CheckHealth(ctx, r)
		out[r] = RegionHealth{
			Healthy:   healthy,
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	return out, nil
}

// State returns the last observed state for a region, StateHealthy when
// never probed.
func (c *Coordinator) State(r region.Region) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[r]; ok {
		return s
	}
	return StateHealthy
}

func (c *Coordinator) transition(r region.Region, healthy bool) {
	next := StateHealthy
	if !healthy {
		next = StateUnreachable
	}

	c.mu.Lock()
	prev, seen := c.states[r]
	c.states[r] = next
	c.mu.Unlock()

	if seen && prev != next {
		c.logger.Warn("region state changed",
			slog.String("region", string(r)),
			slog.String("from", prev),
			slog.String("to", next))
	} else if !seen && next == StateUnreachable {
		c.logger.Warn("region unreachable",
			slog.String("region", string(r)))
	}
}

// EnqueuePendingWrite buffers an accepted event whose home region is down.
// The event keeps the hash chain position it was assigned at ingest.
func (c *Coordinator) EnqueuePendingWrite(ctx context.Context, companyID string, r region.Region, ev *event.AuditEvent) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	w := &PendingWrite{
		ID:        uuid.New().String(),
		CompanyID: companyID,
		Region:    r,
		EventData: data,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.queue.Enqueue(ctx, w); err != nil {
		return err
	}
	c.logger.Info("buffered write for unreachable region",
		slog.String("region", string(r)),
		slog.String("company_id", companyID),
		slog.String("event_id", ev.ID))
	return nil
}

// ReplayPendingWrites drains up to batchSize buffered writes into a
// recovered region, oldest first. Each write is inserted with its original
// hash and deleted from the queue on success; per-item failures are logged
// and left for the next pass. Returns the number replayed.
func (c *Coordinator) ReplayPendingWrites(ctx context.Context, r region.Region, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultReplayBatch
	}

	store, err := c.provider.StoreFor(ctx, r)
	if err != nil {
		return 0, err
	}

	writes, err := c.queue.ListOldest(ctx, r, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending writes for %s: %w", r, err)
	}

	replayed := 0
	for _, w := range writes {
		ev, err := DecodeEvent(w.EventData)
		if err != nil {
			c.logger.Error("pending write undecodable, skipping",
				slog.String("pending_id", w.ID),
				slog.String("error", err.Error()))
			continue
		}

		exists, err := store.Exists(ctx, ev.ID)
		if err != nil {
			c.logger.Error("pending write existence check failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !exists {
			if err := store.Insert(ctx, ev); err != nil {
				c.logger.Error("pending write replay failed",
					slog.String("event_id", ev.ID),
					slog.String("region", string(r)),
					slog.String("error", err.Error()))
				continue
			}
		}

		if err := c.queue.Delete(ctx, w.ID); err != nil {
			c.logger.Error("pending write delete failed",
				slog.String("pending_id", w.ID),
				slog.String("error", err.Error()))
			continue
		}
		replayed++
	}

	if replayed > 0 {
		c.logger.Info("replayed pending writes",
			slog.String("region", string(r)),
			slog.Int("count", replayed))
	}
	return replayed, nil
}

// Start begins the probe-and-replay loop in a background goroutine.
func (c *Coordinator) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop gracefully stops the loop.
func (c *Coordinator) Stop() {
	close(c.stopChan)
	<-c.doneChan
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("failover coordinator started",
		slog.Duration("interval", c.interval),
		slog.Duration("probe_timeout", c.probeTimeout))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("failover coordinator stopping due to context cancellation")
			return
		case <-c.stopChan:
			c.logger.Info("failover coordinator stopping")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick probes all regions and replays queues for the healthy ones that
// have buffered writes.
func (c *Coordinator) tick(ctx context.Context) {
	start := time.Now()
	status := jobs.StatusSuccess

	health, err := c.CheckAllRegions(ctx)
	if err != nil {
		c.logger.Error("health check failed", slog.String("error", err.Error()))
		c.observe(jobs.JobTypeHealthCheck, start, jobs.StatusFailure, 0)
		return
	}
	c.observe(jobs.JobTypeHealthCheck, start, jobs.StatusSuccess, 0)

	depths, err := c.queue.CountByRegion(ctx)
	if err != nil {
		c.logger.Error("pending write count failed", slog.String("error", err.Error()))
		return
	}
	if len(depths) == 0 {
		return
	}

	replayStart := time.Now()
	replayed := 0
	for r, h := range health {
		if !h.Healthy || depths[r] == 0 {
			continue
		}
		n, err := c.ReplayPendingWrites(ctx, r, c.replayBatch)
		replayed += n
		if err != nil {
			status = jobs.StatusFailure
			c.logger.Error("replay failed",
				slog.String("region", string(r)),
				slog.String("error", err.Error()))
			if c.metrics != nil {
				c.metrics.IncJobErrors(jobs.JobTypeFailoverRecovery, "replay")
			}
		}
	}
	c.observe(jobs.JobTypeFailoverRecovery, replayStart, status, replayed)
}

func (c *Coordinator) observe(jobType string, start time.Time, status string, items int) {
	if c.metrics == nil {
		return
	}
	c.metrics.IncJobsTotal(jobType, status)
	c.metrics.ObserveJobDuration(jobType, time.Since(start).Seconds())
	if items > 0 {
		c.metrics.AddJobItems(jobType, "writes_replayed", items)
	}
}
