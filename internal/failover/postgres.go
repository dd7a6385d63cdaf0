package failover

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/auditrail/internal/region"
)

// PostgresQueue implements Queue on the primary database.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue creates a queue backed by the primary database.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

// Enqueue implements Queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, w *PendingWrite) error {
	query := `
		INSERT INTO pending_writes (id, company_id, region, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := q.db.ExecContext(ctx, query, w.ID, w.CompanyID, string(w.Region), w.EventData, w.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("enqueue pending write %s: %w", w.ID, err)
	}
	return nil
}

// ListOldest implements Queue.
func (q *PostgresQueue) ListOldest(ctx context.Context, r region.Region, batch int) ([]*PendingWrite, error) {
	query := `
		SELECT id, company_id, region, event_data, created_at FROM pending_writes
		WHERE region = $1
		ORDER BY seq ASC
		LIMIT $2
	`
	rows, err := q.db.QueryContext(ctx, query, string(r), batch)
	if err != nil {
		return nil, fmt.Errorf("list pending writes for %s: %w", r, err)
	}
	defer rows.Close()

	var out []*PendingWrite
	for rows.Next() {
		var (
			w   PendingWrite
			reg string
		)
		if err := rows.Scan(&w.ID, &w.CompanyID, &reg, &w.EventData, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Region = region.Region(reg)
		w.CreatedAt = w.CreatedAt.UTC()
		out = append(out, &w)
	}
	return out, rows.Err()
}

// Delete implements Queue.
func (q *PostgresQueue) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM pending_writes WHERE id = $1`
	if _, err := q.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete pending write %s: %w", id, err)
	}
	return nil
}

// CountByRegion implements Queue.
func (q *PostgresQueue) CountByRegion(ctx context.Context) (map[region.Region]int, error) {
	query := `SELECT region, COUNT(*) FROM pending_writes GROUP BY region`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count pending writes: %w", err)
	}
	defer rows.Close()

	counts := make(map[region.Region]int)
	for rows.Next() {
		var (
			reg string
			n   int
		)
		if err := rows.Scan(&reg, &n); err != nil {
			return nil, err
		}
		counts[region.Region(reg)] = n
	}
	return counts, rows.Err()
}
