// Package billing provides the per-tenant usage meter and the quota
// enforcement gating event ingestion.
package billing

import (
	"context"
	"sync"
	"time"
)

// MeterTypeEvents is the meter tracked and enforced by this engine.
const MeterTypeEvents = "events"

// DefaultFreeTierLimit is the monthly event limit provisioned for tenants
// without a plan.
const DefaultFreeTierLimit int64 = 10000

// Default soft/hard threshold percentages, used when a tenant has no
// override row.
const (
	DefaultSoftLimitPercent = 80.0
	DefaultHardLimitPercent = 100.0
)

// Meter is one usage counter for a (company, meterType, period). The
// active meter for a tenant is found by range containment
// (periodStart <= now < periodEnd), not by foreign key.
type Meter struct {
	ID           string
	CompanyID    string
	MeterType    string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	CurrentValue int64
	Limit        int64
}

// UsageStats is the per-workspace usage breakdown within a billing period.
type UsageStats struct {
	CompanyID      string
	WorkspaceID    string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	EventsIngested int64
	EventsQueried  int64
	UpdatedAt      time.Time
}

// Thresholds are the soft/hard limit percentages applied to a meter.
type Thresholds struct {
	SoftPercent float64
	HardPercent float64
}

// DefaultThresholds returns the platform defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{SoftPercent: DefaultSoftLimitPercent, HardPercent: DefaultHardLimitPercent}
}

// Checkpoint is the meter snapshot returned from every increment, and
// carried by QuotaExceededError for caller diagnostics. On rejection the
// meter reflects the projected value as if the increment had applied;
// nothing was committed.
type Checkpoint struct {
	Meter              Meter
	Usage              UsageStats
	SoftLimitTriggered bool
	HardLimitTriggered bool
}

// QuotaExceededError rejects a write that would cross the hard cap. It is
// not retryable until the next billing period or a plan change.
type QuotaExceededError struct {
	Checkpoint Checkpoint
}

func (e *QuotaExceededError) Error() string {
	return "billing hard cap reached"
}

// Plan carries the slice of a tenant's subscription the meter needs: the
// monthly event limit and the current billing period to anchor new meters
// to.
type Plan struct {
	Name               string
	MonthlyEventLimit  int64
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// PlanSource resolves a tenant's plan. Returning ErrNoPlan provisions the
// free tier instead.
type PlanSource interface {
	PlanFor(ctx context.Context, companyID string) (*Plan, error)
}

// StaticPlanSource is a fixed in-memory PlanSource for tests and
// deployments without subscription billing.
type StaticPlanSource struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewStaticPlanSource creates an empty static plan source.
func NewStaticPlanSource() *StaticPlanSource {
	return &StaticPlanSource{plans: make(map[string]Plan)}
}

// Set assigns a plan to a company.
func (s *StaticPlanSource) Set(companyID string, p Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[companyID] = p
}

// PlanFor implements PlanSource.
func (s *StaticPlanSource) PlanFor(ctx context.Context, companyID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[companyID]
	if !ok {
		return nil, ErrNoPlan
	}
	return &p, nil
}

// calendarMonth returns the period bounds for the calendar month containing
// now, in UTC. Used to anchor free-tier meters.
func calendarMonth(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// provisionMeter builds a fresh meter for the period containing now, from
// the tenant's plan when one exists, otherwise the free tier anchored to
// the calendar month.
func provisionMeter(companyID string, plan *Plan, now time.Time) Meter {
	limit := DefaultFreeTierLimit
	start, end := calendarMonth(now)
	if plan != nil {
		limit = plan.MonthlyEventLimit
		if !plan.CurrentPeriodStart.IsZero() && !plan.CurrentPeriodEnd.IsZero() {
			start, end = plan.CurrentPeriodStart, plan.CurrentPeriodEnd
		}
	}
	return Meter{
		CompanyID:   companyID,
		MeterType:   MeterTypeEvents,
		PeriodStart: start,
		PeriodEnd:   end,
		Limit:       limit,
	}
}

// evaluate applies the threshold rules to a projected increment.
func evaluate(current, amount, limit int64, th Thresholds) (projected int64, soft, hard bool) {
	projected = current + amount
	if limit <= 0 {
		// A zero-limit meter is always over its cap.
		return projected, false, true
	}
	// Landing exactly on the cap is allowed; only exceeding it rejects.
	pct := float64(projected) / float64(limit) * 100
	return projected, pct >= th.SoftPercent && pct <= th.HardPercent, pct > th.HardPercent
}
