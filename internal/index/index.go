// Package index maintains the cross-region event lookup table on the
// primary store. Each entry records which region holds an event so a
// global query can find the row without fanning out to every region.
package index

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEntryNotFound is returned when an index entry does not exist.
var ErrEntryNotFound = errors.New("index entry not found")

// Entry is the region-routing record for one audit event. It carries just
// enough metadata to answer list queries without fetching the regional row.
type Entry struct {
	ID          string
	CompanyID   string
	WorkspaceID string
	ProjectID   *string
	DataRegion  string
	OccurredAt  time.Time
	Action      string
	Category    string
	ActorID     *string
	ActorEmail  *string
}

// Repository stores index entries on the primary database. Insert is an
// idempotent upsert keyed by event id so the reconciliation sweep can
// re-insert without conflict.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	Exists(ctx context.Context, id string) (bool, error)
	GetByID(ctx context.Context, id string) (*Entry, error)

	// ListSince returns entries for a company with OccurredAt >= since,
	// oldest first, capped at limit.
	ListSince(ctx context.Context, companyID string, since time.Time, limit int) ([]*Entry, error)

	Delete(ctx context.Context, id string) error
}

// InMemoryRepository implements Repository in process, for tests and
// development.
type InMemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	failure error
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{entries: make(map[string]*Entry)}
}

// SetFailure makes every subsequent call return err. Pass nil to recover.
func (r *InMemoryRepository) SetFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

// Insert implements Repository.
func (r *InMemoryRepository) Insert(ctx context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return r.failure
	}
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

// Exists implements Repository.
func (r *InMemoryRepository) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return false, r.failure
	}
	_, ok := r.entries[id]
	return ok, nil
}

// GetByID implements Repository.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return nil, r.failure
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// ListSince implements Repository.
func (r *InMemoryRepository) ListSince(ctx context.Context, companyID string, since time.Time, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return nil, r.failure
	}

	var out []*Entry
	for _, e := range r.entries {
		if e.CompanyID == companyID && !e.OccurredAt.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements Repository.
func (r *InMemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return r.failure
	}
	delete(r.entries, id)
	return nil
}

// Len returns the number of entries. Test helper.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
