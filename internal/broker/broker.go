// Package broker orchestrates event ingestion: it routes each write to the
// tenant's home region, assigns the event its hash chain position under the
// store's per-workspace serialization, and maintains the global index.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/auditrail/internal/event"
	"github.com/onnwee/auditrail/internal/index"
	"github.com/onnwee/auditrail/internal/region"
	"github.com/onnwee/auditrail/internal/tracing"
)

// ErrInvalidInput rejects an ingest with missing required fields.
var ErrInvalidInput = errors.New("action and category are required")

// PendingBuffer accepts writes whose home region is unreachable.
// *failover.Coordinator implements it.
type PendingBuffer interface {
	EnqueuePendingWrite(ctx context.Context, companyID string, r region.Region, ev *event.AuditEvent) error
}

// Broker is the ingestion entry point. Admission control (rate limits,
// quota) runs in the caller; by the time Ingest is called the write has
// been accepted.
type Broker struct {
	provider region.ConnectionProvider
	index    index.Repository
	pending  PendingBuffer
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithPendingBuffer wires the failover queue. Without it, writes to an
// unreachable region fail instead of buffering.
func WithPendingBuffer(p PendingBuffer) Option {
	return func(b *Broker) { b.pending = p }
}

// WithMetrics wires ingest metrics.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithClock substitutes the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a broker. logger may be nil.
func New(provider region.ConnectionProvider, indexRepo index.Repository, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		provider: provider,
		index:    indexRepo,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ingest writes one event into the tenant's home region and returns the
// stored row, hash chain position assigned.
//
// The latest-hash read, hash computation and insert all run inside the
// store's per-workspace serialization point, so concurrent ingests into
// one workspace always produce a single linear chain.
//
// When the home region fails with a connectivity-class error and a pending
// buffer is wired, the event is accepted with a detached chain position
// (prevHash nil), buffered durably, and returned; replay lands it once the
// region recovers. All other errors propagate unchanged.
func (b *Broker) Ingest(ctx context.Context, companyID, workspaceID string, in event.Input) (*event.AuditEvent, error) {
	if in.Action == "" || in.Category == "" {
		return nil, ErrInvalidInput
	}

	start := b.now()
	ctx, endSpan := tracing.StartSpan(ctx, "ingest_event")
	tracing.SetAttributes(ctx,
		attribute.String("auditrail.company_id", companyID),
		attribute.String("auditrail.workspace_id", workspaceID),
		attribute.String("auditrail.event.action", in.Action),
	)

	ev, outcome, err := b.ingest(ctx, companyID, workspaceID, in)
	endSpan(err)

	if b.metrics != nil {
		reg := ""
		if ev != nil {
			reg = ev.DataRegion
		}
		b.metrics.ObserveIngest(reg, outcome, b.now().Sub(start).Seconds())
	}
	return ev, err
}

func (b *Broker) ingest(ctx context.Context, companyID, workspaceID string, in event.Input) (*event.AuditEvent, string, error) {
	reg, err := b.provider.ResolveRegion(ctx, companyID)
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("resolve region for %s: %w", companyID, err)
	}
	tracing.SetAttributes(ctx, attribute.String("auditrail.region", string(reg)))

	store, err := b.provider.StoreFor(ctx, reg)
	if err != nil {
		return nil, OutcomeError, err
	}

	traceID := traceIDFromContext(ctx)
	ev, err := store.AppendChained(ctx, companyID, workspaceID, func(prevHash *string) (*event.AuditEvent, error) {
		return b.buildEvent(companyID, workspaceID, in, reg, prevHash, traceID)
	})
	if err == nil {
		b.writeIndexEntry(ctx, ev)
		return ev, OutcomeOK, nil
	}

	if b.pending != nil && region.IsUnavailable(err) {
		buffered, bufErr := b.bufferWrite(ctx, companyID, workspaceID, in, reg, traceID)
		if bufErr != nil {
			return nil, OutcomeError, errors.Join(err, bufErr)
		}
		b.logger.Warn("region unavailable, write buffered",
			slog.String("region", string(reg)),
			slog.String("company_id", companyID),
			slog.String("event_id", buffered.ID),
			slog.String("error", err.Error()))
		b.writeIndexEntry(ctx, buffered)
		return buffered, OutcomeBuffered, nil
	}

	return nil, OutcomeError, err
}

// bufferWrite accepts an event for an unreachable region. The chain tail
// cannot be read, so the event starts a detached segment (prevHash nil);
// the hash is still computed and fixed before buffering.
func (b *Broker) bufferWrite(ctx context.Context, companyID, workspaceID string, in event.Input, reg region.Region, traceID *string) (*event.AuditEvent, error) {
	ev, err := b.buildEvent(companyID, workspaceID, in, reg, nil, traceID)
	if err != nil {
		return nil, err
	}
	if err := b.pending.EnqueuePendingWrite(ctx, companyID, reg, ev); err != nil {
		return nil, fmt.Errorf("buffer write for %s: %w", reg, err)
	}
	return ev, nil
}

func (b *Broker) buildEvent(companyID, workspaceID string, in event.Input, reg region.Region, prevHash *string, traceID *string) (*event.AuditEvent, error) {
	ev := &event.AuditEvent{
		ID:          uuid.New().String(),
		CompanyID:   companyID,
		WorkspaceID: workspaceID,
		ProjectID:   in.ProjectID,
		Action:      in.Action,
		Category:    in.Category,
		Payload:     in.Payload,
		Metadata:    in.Metadata,
		Changes:     in.Changes,
		PrevHash:    prevHash,
		TraceID:     traceID,
		DataRegion:  string(reg),
		CreatedAt:   b.now().UTC().Truncate(time.Millisecond),
	}
	if in.Actor != nil {
		ev.ActorID = in.Actor.ID
		ev.ActorEmail = in.Actor.Email
		ev.ActorName = in.Actor.Name
	}
	if in.Target != nil {
		ev.TargetID = in.Target.ID
		ev.TargetType = in.Target.Type
	}

	hash, err := event.ComputeEventHash(event.HashInputFromEvent(ev), prevHash)
	if err != nil {
		return nil, err
	}
	ev.Hash = hash
	return ev, nil
}

// writeIndexEntry records the event's region in the global index. Failures
// are logged and left to the reconciliation sweep.
func (b *Broker) writeIndexEntry(ctx context.Context, ev *event.AuditEvent) {
	if b.index == nil {
		return
	}
	if err := b.index.Insert(ctx, index.EntryFromEvent(ev)); err != nil {
		b.logger.Error("index write failed, sweep will reconcile",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
	}
}

func traceIDFromContext(ctx context.Context) *string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return nil
	}
	id := sc.TraceID().String()
	return &id
}
