package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoPlan signals a tenant without a subscription; the enforcer
// provisions the free tier instead.
var ErrNoPlan = errors.New("no plan configured for company")

// Enforcer meters event ingestion and blocks writes past the hard cap.
type Enforcer interface {
	// IncrementUsage applies amount to the tenant's active events meter,
	// auto-provisioning one when the period has none. It returns a
	// *QuotaExceededError (no state mutated) when the projected usage
	// reaches the hard threshold, otherwise commits and reports whether
	// the soft threshold was crossed.
	IncrementUsage(ctx context.Context, companyID, workspaceID string, amount int64) (*Checkpoint, error)

	// RecordQueryUsage tracks query volume for analytics. No enforcement;
	// a missing meter is a no-op.
	RecordQueryUsage(ctx context.Context, companyID, workspaceID string, amount int64) error
}

// InMemoryEnforcer implements Enforcer with in-process state. It runs the
// identical algorithm as the Postgres enforcer under one mutex, which
// stands in for the row lock.
type InMemoryEnforcer struct {
	mu         sync.Mutex
	meters     []*Meter
	usage      map[string]*UsageStats
	thresholds map[string]Thresholds
	plans      PlanSource
	now        func() time.Time
}

// NewInMemoryEnforcer creates an enforcer with no meters provisioned.
// plans may be nil: every tenant then gets the free tier.
func NewInMemoryEnforcer(plans PlanSource) *InMemoryEnforcer {
	return &InMemoryEnforcer{
		usage:      make(map[string]*UsageStats),
		thresholds: make(map[string]Thresholds),
		plans:      plans,
		now:        time.Now,
	}
}

// SetClock substitutes the time source for tests.
func (e *InMemoryEnforcer) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetThresholds overrides the soft/hard percentages for a tenant.
func (e *InMemoryEnforcer) SetThresholds(companyID string, th Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds[companyID] = th
}

func usageKey(companyID, workspaceID string, periodStart time.Time) string {
	return companyID + "|" + workspaceID + "|" + periodStart.UTC().Format(time.RFC3339)
}

// IncrementUsage implements Enforcer.
func (e *InMemoryEnforcer) IncrementUsage(ctx context.Context, companyID, workspaceID string, amount int64) (*Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	meter := e.activeMeterLocked(companyID, now)
	if meter == nil {
		var err error
		meter, err = e.provisionLocked(ctx, companyID, now)
		if err != nil {
			return nil, err
		}
	}

	th, ok := e.thresholds[companyID]
	if !ok {
		th = DefaultThresholds()
	}

	projected, soft, hard := evaluate(meter.CurrentValue, amount, meter.Limit, th)

	usage := e.usageLocked(companyID, workspaceID, meter)
	projectedMeter := *meter
	projectedMeter.CurrentValue = projected

	if hard {
		return nil, &QuotaExceededError{Checkpoint: Checkpoint{
			Meter:              projectedMeter,
			Usage:              *usage,
			SoftLimitTriggered: soft,
			HardLimitTriggered: true,
		}}
	}

	meter.CurrentValue = projected
	usage.EventsIngested += amount
	usage.UpdatedAt = now

	return &Checkpoint{
		Meter:              *meter,
		Usage:              *usage,
		SoftLimitTriggered: soft,
		HardLimitTriggered: false,
	}, nil
}

// RecordQueryUsage implements Enforcer.
func (e *InMemoryEnforcer) RecordQueryUsage(ctx context.Context, companyID, workspaceID string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	meter := e.activeMeterLocked(companyID, now)
	if meter == nil {
		return nil
	}

	usage := e.usageLocked(companyID, workspaceID, meter)
	usage.EventsQueried += amount
	usage.UpdatedAt = now
	return nil
}

// ActiveMeter returns a copy of the tenant's active meter, or nil. Test
// helper.
func (e *InMemoryEnforcer) ActiveMeter(companyID string) *Meter {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.activeMeterLocked(companyID, e.now())
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

func (e *InMemoryEnforcer) activeMeterLocked(companyID string, now time.Time) *Meter {
	for _, m := range e.meters {
		if m.CompanyID == companyID && m.MeterType == MeterTypeEvents &&
			!now.Before(m.PeriodStart) && now.Before(m.PeriodEnd) {
			return m
		}
	}
	return nil
}

func (e *InMemoryEnforcer) provisionLocked(ctx context.Context, companyID string, now time.Time) (*Meter, error) {
	var plan *Plan
	if e.plans != nil {
		p, err := e.plans.PlanFor(ctx, companyID)
		switch {
		case err == nil:
			plan = p
		case errors.Is(err, ErrNoPlan):
			// free tier
		default:
			return nil, err
		}
	}

	m := provisionMeter(companyID, plan, now)
	m.ID = uuid.New().String()
	e.meters = append(e.meters, &m)
	return &m, nil
}

func (e *InMemoryEnforcer) usageLocked(companyID, workspaceID string, meter *Meter) *UsageStats {
	key := usageKey(companyID, workspaceID, meter.PeriodStart)
	u, ok := e.usage[key]
	if !ok {
		u = &UsageStats{
			CompanyID:   companyID,
			WorkspaceID: workspaceID,
			PeriodStart: meter.PeriodStart,
			PeriodEnd:   meter.PeriodEnd,
		}
		e.usage[key] = u
	}
	return u
}
