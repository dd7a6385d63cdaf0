package region

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/auditrail/internal/event"
)

// PostgresEventStore implements EventStore against one regional database.
type PostgresEventStore struct {
	db     *sql.DB
	region Region
	logger *slog.Logger
}

// NewPostgresEventStore creates a regional event store.
func NewPostgresEventStore(db *sql.DB, r Region, logger *slog.Logger) *PostgresEventStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresEventStore{db: db, region: r, logger: logger}
}

const eventColumns = `id, company_id, workspace_id, project_id, action, category,
	actor_id, actor_email, actor_name, target_id, target_type,
	payload, metadata, changes, hash, prev_hash, trace_id, data_region,
	created_at, archived, archival_candidate`

// AppendChained implements EventStore. The read-compute-insert sequence runs
// inside one transaction holding a per-workspace advisory lock, so
// concurrent appends for the same workspace serialize and the chain cannot
// fork across instances.
func (s *PostgresEventStore) AppendChained(ctx context.Context, companyID, workspaceID string, chain ChainFunc) (*event.AuditEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrapUnavailable(fmt.Errorf("begin append transaction: %w", err))
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback append transaction",
				slog.String("error", err.Error()))
		}
	}()

	// Transaction-scoped lock keyed on the workspace chain. Released on
	// commit or rollback.
	lockQuery := `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	if _, err := tx.ExecContext(ctx, lockQuery, companyID+":"+workspaceID); err != nil {
		return nil, s.wrapUnavailable(fmt.Errorf("acquire workspace lock: %w", err))
	}

	// Order by seq, not created_at. Timestamps are millisecond precision and
	// two appends can land in the same millisecond; seq follows insert order.
	var prev *string
	tailQuery := `
		SELECT hash FROM audit_events
		WHERE company_id = $1 AND workspace_id = $2
		ORDER BY seq DESC
		LIMIT 1
	`
	var tail string
	err = tx.QueryRowContext(ctx, tailQuery, companyID, workspaceID).Scan(&tail)
	switch {
	case err == nil:
		prev = &tail
	case errors.Is(err, sql.ErrNoRows):
		// first event for the workspace
	default:
		return nil, s.wrapUnavailable(fmt.Errorf("read chain tail: %w", err))
	}

	ev, err := chain(prev)
	if err != nil {
		return nil, err
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, s.wrapUnavailable(fmt.Errorf("insert event: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, s.wrapUnavailable(fmt.Errorf("commit append: %w", err))
	}
	return ev, nil
}

// Insert implements EventStore.
func (s *PostgresEventStore) Insert(ctx context.Context, ev *event.AuditEvent) error {
	if err := insertEvent(ctx, s.db, ev); err != nil {
		return s.wrapUnavailable(err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev *event.AuditEvent) error {
	payload, err := marshalDoc(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := marshalDoc(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var changes []byte
	if ev.Changes != nil {
		changes, err = json.Marshal(ev.Changes)
		if err != nil {
			return fmt.Errorf("marshal changes: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err = db.ExecContext(ctx, query,
		ev.ID, ev.CompanyID, ev.WorkspaceID, ev.ProjectID, ev.Action, ev.Category,
		ev.ActorID, ev.ActorEmail, ev.ActorName, ev.TargetID, ev.TargetType,
		payload, metadata, changes, ev.Hash, ev.PrevHash, ev.TraceID, ev.DataRegion,
		ev.CreatedAt, ev.Archived, ev.ArchivalCandidate,
	)
	return err
}

func marshalDoc(d event.Document) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// LatestHash implements EventStore.
func (s *PostgresEventStore) LatestHash(ctx context.Context, companyID, workspaceID string) (*string, error) {
	query := `
		SELECT hash FROM audit_events
		WHERE company_id = $1 AND workspace_id = $2
		ORDER BY seq DESC
		LIMIT 1
	`
	var hash string
	err := s.db.QueryRowContext(ctx, query, companyID, workspaceID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrapUnavailable(err)
	}
	return &hash, nil
}

// Exists implements EventStore.
func (s *PostgresEventStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM audit_events WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrapUnavailable(err)
	}
	return true, nil
}

// GetByID implements EventStore.
func (s *PostgresEventStore) GetByID(ctx context.Context, id string) (*event.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE id = $1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, s.wrapUnavailable(err)
	}
	return ev, nil
}

// ListRecent implements EventStore.
func (s *PostgresEventStore) ListRecent(ctx context.Context, companyID string, since time.Time, limit int) ([]*event.AuditEvent, error) {
	query := `
		SELECT ` + eventColumns + ` FROM audit_events
		WHERE company_id = $1 AND archived = FALSE AND created_at >= $2
		ORDER BY seq ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, companyID, since, limit)
	if err != nil {
		return nil, s.wrapUnavailable(err)
	}
	defer rows.Close()

	var events []*event.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapUnavailable(err)
	}
	return events, nil
}

// Ping implements EventStore.
func (s *PostgresEventStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &UnavailableError{Region: s.region, Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.AuditEvent, error) {
	var (
		ev       event.AuditEvent
		payload  []byte
		metadata []byte
		changes  []byte
	)
	err := row.Scan(
		&ev.ID, &ev.CompanyID, &ev.WorkspaceID, &ev.ProjectID, &ev.Action, &ev.Category,
		&ev.ActorID, &ev.ActorEmail, &ev.ActorName, &ev.TargetID, &ev.TargetType,
		&payload, &metadata, &changes, &ev.Hash, &ev.PrevHash, &ev.TraceID, &ev.DataRegion,
		&ev.CreatedAt, &ev.Archived, &ev.ArchivalCandidate,
	)
	if err != nil {
		return nil, err
	}

	if payload != nil {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for event %s: %w", ev.ID, err)
		}
	}
	if metadata != nil {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for event %s: %w", ev.ID, err)
		}
	}
	if changes != nil {
		if err := json.Unmarshal(changes, &ev.Changes); err != nil {
			return nil, fmt.Errorf("unmarshal changes for event %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

// wrapUnavailable tags connectivity-class failures so the broker can route
// them to the pending-write queue instead of failing the caller.
func (s *PostgresEventStore) wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if isConnectivityError(err) {
		return &UnavailableError{Region: s.region, Err: err}
	}
	return err
}

// isConnectivityError reports whether err indicates the database is
// unreachable rather than a data-level failure.
func isConnectivityError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception. 57P01-57P03: server shutdown /
		// crash / cannot connect now.
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P")
	}

	return false
}

// PostgresDirectory implements Directory against the primary store.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by the primary database.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Company implements Directory.
func (d *PostgresDirectory) Company(ctx context.Context, companyID string) (*Company, error) {
	query := `SELECT id, name, data_region, replicate_to FROM companies WHERE id = $1`
	var (
		c          Company
		dataRegion sql.NullString
		replicas   pq.StringArray
	)
	err := d.db.QueryRowContext(ctx, query, companyID).Scan(&c.ID, &c.Name, &dataRegion, &replicas)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCompanyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load company %s: %w", companyID, err)
	}

	if dataRegion.Valid {
		c.DataRegion = Region(dataRegion.String)
	}
	for _, r := range replicas {
		c.ReplicateTo = append(c.ReplicateTo, Region(r))
	}
	return &c, nil
}

// Companies implements Directory.
func (d *PostgresDirectory) Companies(ctx context.Context) ([]*Company, error) {
	query := `SELECT id, name, data_region, replicate_to FROM companies ORDER BY id`
	return d.queryCompanies(ctx, query)
}

// CompaniesWithReplicas implements Directory.
func (d *PostgresDirectory) CompaniesWithReplicas(ctx context.Context) ([]*Company, error) {
	query := `
		SELECT id, name, data_region, replicate_to FROM companies
		WHERE cardinality(replicate_to) > 0
		ORDER BY id
	`
	return d.queryCompanies(ctx, query)
}

func (d *PostgresDirectory) queryCompanies(ctx context.Context, query string) ([]*Company, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	var out []*Company
	for rows.Next() {
		var (
			c          Company
			dataRegion sql.NullString
			replicas   pq.StringArray
		)
		if err := rows.Scan(&c.ID, &c.Name, &dataRegion, &replicas); err != nil {
			return nil, err
		}
		if dataRegion.Valid {
			c.DataRegion = Region(dataRegion.String)
		}
		for _, r := range replicas {
			c.ReplicateTo = append(c.ReplicateTo, Region(r))
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
