package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIncrementUsage_ProvisionsFreeTier(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	e := NewInMemoryEnforcer(nil)
	e.SetClock(fixedClock(now))

	cp, err := e.IncrementUsage(ctx, "company-1", "ws-1", 1)
	if err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if cp.Meter.Limit != DefaultFreeTierLimit {
		t.Errorf("limit = %d, want %d", cp.Meter.Limit, DefaultFreeTierLimit)
	}
	wantStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	if !cp.Meter.PeriodStart.Equal(wantStart) || !cp.Meter.PeriodEnd.Equal(wantEnd) {
		t.Errorf("period = [%v, %v), want [%v, %v)", cp.Meter.PeriodStart, cp.Meter.PeriodEnd, wantStart, wantEnd)
	}
	if cp.Meter.CurrentValue != 1 {
		t.Errorf("current value = %d, want 1", cp.Meter.CurrentValue)
	}
	if cp.SoftLimitTriggered || cp.HardLimitTriggered {
		t.Errorf("thresholds triggered at 1/%d", DefaultFreeTierLimit)
	}
}

func TestIncrementUsage_ProvisionsFromPlan(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	plans := NewStaticPlanSource()
	plans.Set("company-1", Plan{
		Name:               "growth",
		MonthlyEventLimit:  500,
		CurrentPeriodStart: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC),
	})

	e := NewInMemoryEnforcer(plans)
	e.SetClock(fixedClock(now))

	cp, err := e.IncrementUsage(ctx, "company-1", "ws-1", 1)
	if err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if cp.Meter.Limit != 500 {
		t.Errorf("limit = %d, want 500", cp.Meter.Limit)
	}
	if !cp.Meter.PeriodStart.Equal(plans.plans["company-1"].CurrentPeriodStart) {
		t.Errorf("meter not anchored to the plan's billing period: start %v", cp.Meter.PeriodStart)
	}
}

func TestIncrementUsage_SoftThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	plans := NewStaticPlanSource()
	plans.Set("company-1", Plan{Name: "starter", MonthlyEventLimit: 100})

	e := NewInMemoryEnforcer(plans)
	e.SetClock(fixedClock(now))

	// 70/100 stays under the default 80% soft threshold.
	cp, err := e.IncrementUsage(ctx, "company-1", "ws-1", 70)
	if err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if cp.SoftLimitTriggered {
		t.Error("soft threshold triggered at 70%")
	}

	// 85/100 crosses it.
	cp, err = e.IncrementUsage(ctx, "company-1", "ws-1", 15)
	if err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if !cp.SoftLimitTriggered {
		t.Error("soft threshold not triggered at 85%")
	}
	if cp.HardLimitTriggered {
		t.Error("hard threshold triggered at 85%")
	}
}

func TestIncrementUsage_HardCapRejectsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	plans := NewStaticPlanSource()
	plans.Set("company-1", Plan{Name: "starter", MonthlyEventLimit: 100})

	e := NewInMemoryEnforcer(plans)
	e.SetClock(fixedClock(now))

	if _, err := e.IncrementUsage(ctx, "company-1", "ws-1", 99); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}

	_, err := e.IncrementUsage(ctx, "company-1", "ws-1", 5)
	var qErr *QuotaExceededError
	if !errors.As(err, &qErr) {
		t.Fatalf("err = %v, want *QuotaExceededError", err)
	}
	if !qErr.Checkpoint.HardLimitTriggered {
		t.Error("checkpoint missing hard limit flag")
	}
	if qErr.Checkpoint.Meter.CurrentValue != 104 {
		t.Errorf("checkpoint projected value = %d, want 104", qErr.Checkpoint.Meter.CurrentValue)
	}

	if got := e.ActiveMeter("company-1").CurrentValue; got != 99 {
		t.Errorf("meter mutated on rejection: current value = %d, want 99", got)
	}

	// A smaller increment that fits still goes through.
	cp, err := e.IncrementUsage(ctx, "company-1", "ws-1", 1)
	if err != nil {
		t.Fatalf("IncrementUsage after rejection: %v", err)
	}
	if cp.Meter.CurrentValue != 100 {
		t.Errorf("current value = %d, want 100", cp.Meter.CurrentValue)
	}
	if !cp.HardLimitTriggered && !cp.SoftLimitTriggered {
		t.Error("thresholds not reported at 100%")
	}
}

func TestIncrementUsage_ExactCapBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	plans := NewStaticPlanSource()
	plans.Set("company-1", Plan{Name: "tiny", MonthlyEventLimit: 10})

	e := NewInMemoryEnforcer(plans)
	e.SetClock(fixedClock(now))

	// Ten single increments all land within the cap; the tenth reaches
	// exactly 100% and commits with only the soft flag.
	for i := 0; i < 10; i++ {
		cp, err := e.IncrementUsage(ctx, "company-1", "ws-1", 1)
		if err != nil {
			t.Fatalf("increment %d: %v", i+1, err)
		}
		if i == 9 {
			if !cp.SoftLimitTriggered {
				t.Error("soft threshold not reported at exactly 100%")
			}
			if cp.HardLimitTriggered {
				t.Error("hard threshold reported on a committed increment at 100%")
			}
		}
	}

	// The eleventh crosses the cap and rejects.
	_, err := e.IncrementUsage(ctx, "company-1", "ws-1", 1)
	var qErr *QuotaExceededError
	if !errors.As(err, &qErr) {
		t.Fatalf("err = %v, want *QuotaExceededError", err)
	}
	if got := e.ActiveMeter("company-1").CurrentValue; got != 10 {
		t.Errorf("meter mutated on rejection: current value = %d, want 10", got)
	}
}

func TestIncrementUsage_ThresholdOverrides(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	plans := NewStaticPlanSource()
	plans.Set("company-1", Plan{Name: "starter", MonthlyEventLimit: 100})

	e := NewInMemoryEnforcer(plans)
	e.SetClock(fixedClock(now))
	e.SetThresholds("company-1", Thresholds{SoftPercent: 50, HardPercent: 90})

	cp, err := e.IncrementUsage(ctx, "company-1", "ws-1", 60)
	if err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if !cp.SoftLimitTriggered {
		t.Error("soft threshold not triggered at 60% with 50% override")
	}

	// Landing exactly on the 90% override still commits.
	cp, err = e.IncrementUsage(ctx, "company-1", "ws-1", 30)
	if err != nil {
		t.Fatalf("IncrementUsage at override cap: %v", err)
	}
	if !cp.SoftLimitTriggered || cp.HardLimitTriggered {
		t.Errorf("flags at 90%% with 90%% override: soft=%v hard=%v", cp.SoftLimitTriggered, cp.HardLimitTriggered)
	}

	_, err = e.IncrementUsage(ctx, "company-1", "ws-1", 1)
	var qErr *QuotaExceededError
	if !errors.As(err, &qErr) {
		t.Fatalf("err = %v, want *QuotaExceededError past 90%% override", err)
	}
}

func TestIncrementUsage_NewPeriodNewMeter(t *testing.T) {
	ctx := context.Background()
	march := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	april := time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)

	e := NewInMemoryEnforcer(nil)
	e.SetClock(fixedClock(march))

	if _, err := e.IncrementUsage(ctx, "company-1", "ws-1", 9999); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}

	e.SetClock(fixedClock(april))
	cp, err := e.IncrementUsage(ctx, "company-1", "ws-1", 1)
	if err != nil {
		t.Fatalf("IncrementUsage in new period: %v", err)
	}
	if cp.Meter.CurrentValue != 1 {
		t.Errorf("new period meter value = %d, want 1", cp.Meter.CurrentValue)
	}
	wantStart := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	if !cp.Meter.PeriodStart.Equal(wantStart) {
		t.Errorf("new period start = %v, want %v", cp.Meter.PeriodStart, wantStart)
	}
}

func TestIncrementUsage_PerWorkspaceUsage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	e := NewInMemoryEnforcer(nil)
	e.SetClock(fixedClock(now))

	if _, err := e.IncrementUsage(ctx, "company-1", "ws-a", 3); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	cp, err := e.IncrementUsage(ctx, "company-1", "ws-b", 2)
	if err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}

	if cp.Meter.CurrentValue != 5 {
		t.Errorf("meter aggregates across workspaces: got %d, want 5", cp.Meter.CurrentValue)
	}
	if cp.Usage.EventsIngested != 2 {
		t.Errorf("ws-b usage = %d, want 2", cp.Usage.EventsIngested)
	}
}

func TestRecordQueryUsage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	e := NewInMemoryEnforcer(nil)
	e.SetClock(fixedClock(now))

	// No meter yet: a no-op, not an error.
	if err := e.RecordQueryUsage(ctx, "company-1", "ws-1", 10); err != nil {
		t.Fatalf("RecordQueryUsage without meter: %v", err)
	}

	if _, err := e.IncrementUsage(ctx, "company-1", "ws-1", 1); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if err := e.RecordQueryUsage(ctx, "company-1", "ws-1", 10); err != nil {
		t.Fatalf("RecordQueryUsage: %v", err)
	}

	cp, err := e.IncrementUsage(ctx, "company-1", "ws-1", 1)
	if err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if cp.Usage.EventsQueried != 10 {
		t.Errorf("events queried = %d, want 10", cp.Usage.EventsQueried)
	}
}

type stubLister struct{}

func (stubLister) ActiveSubscription(customerID string) (*stripe.Subscription, error) {
	if customerID != "cus_123" {
		return nil, nil
	}
	return &stripe.Subscription{
		ID:                 "sub_123",
		CurrentPeriodStart: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC).Unix(),
		CurrentPeriodEnd:   time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC).Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				Price: &stripe.Price{
					ID:       "price_123",
					Nickname: "growth",
					Metadata: map[string]string{"monthly_event_limit": "50000"},
				},
			}},
		},
	}, nil
}

func TestStripePlanSourceParsing(t *testing.T) {
	src := NewStripePlanSource(
		stubLister{},
		func(ctx context.Context, companyID string) (string, error) {
			if companyID == "company-1" {
				return "cus_123", nil
			}
			return "", ErrNoPlan
		},
	)

	plan, err := src.PlanFor(context.Background(), "company-1")
	if err != nil {
		t.Fatalf("PlanFor: %v", err)
	}
	if plan.MonthlyEventLimit != 50000 {
		t.Errorf("limit = %d, want 50000", plan.MonthlyEventLimit)
	}
	if plan.Name != "growth" {
		t.Errorf("name = %q, want growth", plan.Name)
	}

	if _, err := src.PlanFor(context.Background(), "company-2"); !errors.Is(err, ErrNoPlan) {
		t.Errorf("err = %v, want ErrNoPlan", err)
	}
}
