package region

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/auditrail/internal/event"
)

// ChainFunc builds the next event of a workspace chain given the current
// chain tail (nil for an empty chain). The store invokes it inside its
// per-workspace serialization point, so two concurrent appends for the same
// workspace can never observe the same tail.
type ChainFunc func(prevHash *string) (*event.AuditEvent, error)

// EventStore is the regional store handle for audit events.
type EventStore interface {
	// AppendChained serializes the read-latest-hash, compute, insert
	// sequence per (companyID, workspaceID) and persists the event the
	// chain function returns.
	AppendChained(ctx context.Context, companyID, workspaceID string, chain ChainFunc) (*event.AuditEvent, error)

	// Insert persists an already-hashed event verbatim. Used by failover
	// replay, where hash and prevHash were fixed when the write was queued.
	Insert(ctx context.Context, ev *event.AuditEvent) error

	// LatestHash returns the workspace chain tail, nil for an empty chain.
	LatestHash(ctx context.Context, companyID, workspaceID string) (*string, error)

	// Exists reports whether an event id is present. Replication uses it
	// as its idempotency check.
	Exists(ctx context.Context, id string) (bool, error)

	// GetByID returns one event, or ErrEventNotFound.
	GetByID(ctx context.Context, id string) (*event.AuditEvent, error)

	// ListRecent returns up to limit non-archived events for a company
	// created at or after since, oldest first.
	ListRecent(ctx context.Context, companyID string, since time.Time, limit int) ([]*event.AuditEvent, error)

	// Ping probes connectivity. The failover coordinator's health checks
	// are built on it.
	Ping(ctx context.Context) error
}

// InMemoryEventStore is an in-memory EventStore used for tests and
// development. A single mutex guards the maps and doubles as the
// per-workspace serialization point for AppendChained.
type InMemoryEventStore struct {
	mu     sync.Mutex
	events map[string]*event.AuditEvent
	// chain tails and insertion order per company:workspace key
	order map[string][]string

	// FailWith, when set, makes every call return that error. Tests use it
	// to simulate an unreachable region.
	FailWith error
}

// NewInMemoryEventStore creates an empty in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		events: make(map[string]*event.AuditEvent),
		order:  make(map[string][]string),
	}
}

func chainKey(companyID, workspaceID string) string {
	return companyID + ":" + workspaceID
}

// SetFailure makes subsequent calls fail with err (nil restores normal
// operation).
func (s *InMemoryEventStore) SetFailure(err error) {
	s.mu.Lock()
	s.FailWith = err
	s.mu.Unlock()
}

// AppendChained implements EventStore.
func (s *InMemoryEventStore) AppendChained(ctx context.Context, companyID, workspaceID string, chain ChainFunc) (*event.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}

	key := chainKey(companyID, workspaceID)
	prev := s.latestHashLocked(key)

	ev, err := chain(prev)
	if err != nil {
		return nil, err
	}

	s.insertLocked(ev)
	cp := ev.Clone()
	return cp, nil
}

// Insert implements EventStore.
func (s *InMemoryEventStore) Insert(ctx context.Context, ev *event.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}

	s.insertLocked(ev)
	return nil
}

func (s *InMemoryEventStore) insertLocked(ev *event.AuditEvent) {
	cp := ev.Clone()
	s.events[cp.ID] = cp
	key := chainKey(cp.CompanyID, cp.WorkspaceID)
	s.order[key] = append(s.order[key], cp.ID)
}

// LatestHash implements EventStore.
func (s *InMemoryEventStore) LatestHash(ctx context.Context, companyID, workspaceID string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}

	return s.latestHashLocked(chainKey(companyID, workspaceID)), nil
}

func (s *InMemoryEventStore) latestHashLocked(key string) *string {
	ids := s.order[key]
	if len(ids) == 0 {
		return nil
	}
	last := s.events[ids[len(ids)-1]]
	h := last.Hash
	return &h
}

// Exists implements EventStore.
func (s *InMemoryEventStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return false, s.FailWith
	}

	_, ok := s.events[id]
	return ok, nil
}

// GetByID implements EventStore.
func (s *InMemoryEventStore) GetByID(ctx context.Context, id string) (*event.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return ev.Clone(), nil
}

// ListRecent implements EventStore.
func (s *InMemoryEventStore) ListRecent(ctx context.Context, companyID string, since time.Time, limit int) ([]*event.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}

	var results []*event.AuditEvent
	for _, ev := range s.events {
		if ev.CompanyID != companyID || ev.Archived || ev.CreatedAt.Before(since) {
			continue
		}
		results = append(results, ev.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Ping implements EventStore.
func (s *InMemoryEventStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailWith
}

// Len returns the number of stored events.
func (s *InMemoryEventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// WorkspaceEvents returns the workspace's events in insertion order. Test
// helper for chain assertions.
func (s *InMemoryEventStore) WorkspaceEvents(companyID, workspaceID string) []*event.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.order[chainKey(companyID, workspaceID)]
	out := make([]*event.AuditEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.events[id].Clone())
	}
	return out
}

// InMemoryDirectory is an in-memory Directory for tests and development.
type InMemoryDirectory struct {
	mu        sync.RWMutex
	companies map[string]*Company
}

// NewInMemoryDirectory creates an empty in-memory directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{companies: make(map[string]*Company)}
}

// Put inserts or replaces a tenant record.
func (d *InMemoryDirectory) Put(c *Company) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *c
	d.companies[c.ID] = &cp
}

// Company implements Directory.
func (d *InMemoryDirectory) Company(ctx context.Context, companyID string) (*Company, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.companies[companyID]
	if !ok {
		return nil, ErrCompanyNotFound
	}
	cp := *c
	return &cp, nil
}

// Companies implements Directory.
func (d *InMemoryDirectory) Companies(ctx context.Context) ([]*Company, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Company, 0, len(d.companies))
	for _, c := range d.companies {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CompaniesWithReplicas implements Directory.
func (d *InMemoryDirectory) CompaniesWithReplicas(ctx context.Context) ([]*Company, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Company
	for _, c := range d.companies {
		if len(c.ReplicateTo) > 0 {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
