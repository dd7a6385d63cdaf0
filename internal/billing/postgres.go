package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// PostgresEnforcer implements Enforcer against the primary database. The
// active meter row is locked FOR UPDATE for the whole increment
// transaction, so concurrent increments for one tenant serialize and the
// hard-cap invariant holds under contention.
type PostgresEnforcer struct {
	db     *sql.DB
	plans  PlanSource
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresEnforcer creates the production quota enforcer. plans may be
// nil; tenants then get the free tier.
func NewPostgresEnforcer(db *sql.DB, plans PlanSource, logger *slog.Logger) *PostgresEnforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresEnforcer{db: db, plans: plans, logger: logger, now: time.Now}
}

// IncrementUsage implements Enforcer.
func (e *PostgresEnforcer) IncrementUsage(ctx context.Context, companyID, workspaceID string, amount int64) (*Checkpoint, error) {
	now := e.now()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin increment transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			e.logger.Warn("failed to rollback increment transaction",
				slog.String("error", err.Error()))
		}
	}()

	meter, err := e.lockActiveMeter(ctx, tx, companyID, now)
	if err != nil {
		return nil, err
	}

	th, err := loadThresholds(ctx, tx, companyID)
	if err != nil {
		return nil, err
	}

	projected, soft, hard := evaluate(meter.CurrentValue, amount, meter.Limit, th)

	usage, err := ensureUsageStats(ctx, tx, companyID, workspaceID, meter, now)
	if err != nil {
		return nil, err
	}

	if hard {
		// Abort without mutating the meter. The rollback in the deferred
		// handler discards the usage-stats ensure as well.
		projectedMeter := *meter
		projectedMeter.CurrentValue = projected
		return nil, &QuotaExceededError{Checkpoint: Checkpoint{
			Meter:              projectedMeter,
			Usage:              *usage,
			SoftLimitTriggered: soft,
			HardLimitTriggered: true,
		}}
	}

	updateQuery := `UPDATE billing_meters SET current_value = $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, updateQuery, projected, meter.ID); err != nil {
		return nil, fmt.Errorf("update meter %s: %w", meter.ID, err)
	}
	meter.CurrentValue = projected

	incrementQuery := `
		UPDATE usage_stats
		SET events_ingested = events_ingested + $1, updated_at = $2
		WHERE company_id = $3 AND workspace_id = $4 AND period_start = $5 AND period_end = $6
		RETURNING events_ingested, events_queried, updated_at
	`
	err = tx.QueryRowContext(ctx, incrementQuery,
		amount, now, companyID, workspaceID, meter.PeriodStart, meter.PeriodEnd,
	).Scan(&usage.EventsIngested, &usage.EventsQueried, &usage.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("increment usage stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit increment: %w", err)
	}

	return &Checkpoint{
		Meter:              *meter,
		Usage:              *usage,
		SoftLimitTriggered: soft,
		HardLimitTriggered: false,
	}, nil
}

// RecordQueryUsage implements Enforcer.
func (e *PostgresEnforcer) RecordQueryUsage(ctx context.Context, companyID, workspaceID string, amount int64) error {
	now := e.now()

	var meter Meter
	meterQuery := `
		SELECT id, company_id, meter_type, period_start, period_end, current_value, usage_limit
		FROM billing_meters
		WHERE company_id = $1 AND meter_type = $2 AND period_start <= $3 AND period_end > $3
		ORDER BY period_end DESC
		LIMIT 1
	`
	err := e.db.QueryRowContext(ctx, meterQuery, companyID, MeterTypeEvents, now).Scan(
		&meter.ID, &meter.CompanyID, &meter.MeterType,
		&meter.PeriodStart, &meter.PeriodEnd, &meter.CurrentValue, &meter.Limit,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active meter: %w", err)
	}

	upsertQuery := `
		INSERT INTO usage_stats (company_id, workspace_id, period_start, period_end, events_ingested, events_queried, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (company_id, workspace_id, period_start, period_end)
		DO UPDATE SET events_queried = usage_stats.events_queried + $5, updated_at = $6
	`
	_, err = e.db.ExecContext(ctx, upsertQuery,
		companyID, workspaceID, meter.PeriodStart, meter.PeriodEnd, amount, now)
	if err != nil {
		return fmt.Errorf("record query usage: %w", err)
	}
	return nil
}

// lockActiveMeter selects the active meter row FOR UPDATE, provisioning
// one first when the period has none.
func (e *PostgresEnforcer) lockActiveMeter(ctx context.Context, tx *sql.Tx, companyID string, now time.Time) (*Meter, error) {
	lockQuery := `
		SELECT id, company_id, meter_type, period_start, period_end, current_value, usage_limit
		FROM billing_meters
		WHERE company_id = $1 AND meter_type = $2 AND period_start <= $3 AND period_end > $3
		ORDER BY period_end DESC
		LIMIT 1
		FOR UPDATE
	`
	scanMeter := func() (*Meter, error) {
		var m Meter
		err := tx.QueryRowContext(ctx, lockQuery, companyID, MeterTypeEvents, now).Scan(
			&m.ID, &m.CompanyID, &m.MeterType,
			&m.PeriodStart, &m.PeriodEnd, &m.CurrentValue, &m.Limit,
		)
		if err != nil {
			return nil, err
		}
		return &m, nil
	}

	m, err := scanMeter()
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock active meter: %w", err)
	}

	// No meter for this period yet: provision one from the plan (or free
	// tier). ON CONFLICT covers the race where a concurrent increment
	// provisioned first; the re-select then locks whichever row won.
	var plan *Plan
	if e.plans != nil {
		p, planErr := e.plans.PlanFor(ctx, companyID)
		switch {
		case planErr == nil:
			plan = p
		case errors.Is(planErr, ErrNoPlan):
			// free tier
		default:
			return nil, fmt.Errorf("resolve plan for %s: %w", companyID, planErr)
		}
	}

	fresh := provisionMeter(companyID, plan, now)
	fresh.ID = uuid.New().String()

	insertQuery := `
		INSERT INTO billing_meters (id, company_id, meter_type, period_start, period_end, current_value, usage_limit)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (company_id, meter_type, period_start) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, insertQuery,
		fresh.ID, fresh.CompanyID, fresh.MeterType, fresh.PeriodStart, fresh.PeriodEnd, fresh.Limit,
	); err != nil {
		return nil, fmt.Errorf("provision meter: %w", err)
	}

	e.logger.Info("provisioned billing meter",
		"company_id", companyID,
		"period_start", fresh.PeriodStart,
		"limit", fresh.Limit)

	m, err = scanMeter()
	if err != nil {
		return nil, fmt.Errorf("lock provisioned meter: %w", err)
	}
	return m, nil
}

func loadThresholds(ctx context.Context, tx *sql.Tx, companyID string) (Thresholds, error) {
	query := `
		SELECT soft_limit_percent, hard_limit_percent
		FROM notification_thresholds
		WHERE company_id = $1 AND meter_type = $2
	`
	var th Thresholds
	err := tx.QueryRowContext(ctx, query, companyID, MeterTypeEvents).Scan(&th.SoftPercent, &th.HardPercent)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultThresholds(), nil
	}
	if err != nil {
		return Thresholds{}, fmt.Errorf("load thresholds: %w", err)
	}
	return th, nil
}

func ensureUsageStats(ctx context.Context, tx *sql.Tx, companyID, workspaceID string, meter *Meter, now time.Time) (*UsageStats, error) {
	query := `
		INSERT INTO usage_stats (company_id, workspace_id, period_start, period_end, events_ingested, events_queried, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5)
		ON CONFLICT (company_id, workspace_id, period_start, period_end)
		DO UPDATE SET updated_at = $5
		RETURNING company_id, workspace_id, period_start, period_end, events_ingested, events_queried, updated_at
	`
	var u UsageStats
	err := tx.QueryRowContext(ctx, query,
		companyID, workspaceID, meter.PeriodStart, meter.PeriodEnd, now,
	).Scan(&u.CompanyID, &u.WorkspaceID, &u.PeriodStart, &u.PeriodEnd,
		&u.EventsIngested, &u.EventsQueried, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure usage stats: %w", err)
	}
	return &u, nil
}
