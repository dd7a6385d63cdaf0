package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const entryColumns = `id, company_id, workspace_id, project_id, data_region, occurred_at, action, category, actor_id, actor_email`

// PostgresRepository implements Repository on the primary database.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository backed by the primary database.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert implements Repository. The upsert keeps re-inserts from the
// reconciliation sweep conflict-free.
func (r *PostgresRepository) Insert(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO global_event_index (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.CompanyID, e.WorkspaceID, e.ProjectID, e.DataRegion,
		e.OccurredAt.UTC(), e.Action, e.Category, e.ActorID, e.ActorEmail,
	)
	if err != nil {
		return fmt.Errorf("insert index entry %s: %w", e.ID, err)
	}
	return nil
}

// Exists implements Repository.
func (r *PostgresRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM global_event_index WHERE id = $1)`
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check index entry %s: %w", id, err)
	}
	return exists, nil
}

// GetByID implements Repository.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM global_event_index WHERE id = $1`
	e, err := scanEntry(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load index entry %s: %w", id, err)
	}
	return e, nil
}

// ListSince implements Repository.
func (r *PostgresRepository) ListSince(ctx context.Context, companyID string, since time.Time, limit int) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + ` FROM global_event_index
		WHERE company_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at ASC, id ASC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, companyID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list index entries for %s: %w", companyID, err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete implements Repository.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM global_event_index WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete index entry %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.CompanyID, &e.WorkspaceID, &e.ProjectID, &e.DataRegion,
		&e.OccurredAt, &e.Action, &e.Category, &e.ActorID, &e.ActorEmail,
	)
	if err != nil {
		return nil, err
	}
	e.OccurredAt = e.OccurredAt.UTC()
	return &e, nil
}
