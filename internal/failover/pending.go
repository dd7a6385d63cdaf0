// Package failover tracks per-region reachability and buffers writes bound
// for regions that are down, replaying them once the region recovers.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/onnwee/auditrail/internal/event"
	"github.com/onnwee/auditrail/internal/region"
)

// ErrInvalidEventBlob is returned when a queued payload cannot be decoded.
var ErrInvalidEventBlob = errors.New("invalid pending write payload")

// PendingWrite is one buffered event bound for an unreachable region. The
// payload is the CBOR-encoded event, hash and prevHash included, so replay
// restores the row exactly as it was accepted.
type PendingWrite struct {
	ID        string
	CompanyID string
	Region    region.Region
	EventData []byte
	CreatedAt time.Time
}

// Queue is the durable pending-write buffer, stored on the primary
// database so it survives the outage it exists for.
type Queue interface {
	Enqueue(ctx context.Context, w *PendingWrite) error

	// ListOldest returns up to batch writes for a region, oldest first.
	ListOldest(ctx context.Context, r region.Region, batch int) ([]*PendingWrite, error)

	Delete(ctx context.Context, id string) error

	// CountByRegion reports queue depth per region.
	CountByRegion(ctx context.Context) (map[region.Region]int, error)
}

// eventBlob is the CBOR wire form of a buffered event. Tags pin the field
// names so the payload survives struct renames.
type eventBlob struct {
	ID          string         `cbor:"id"`
	CompanyID   string         `cbor:"company_id"`
	WorkspaceID string         `cbor:"workspace_id"`
	ProjectID   *string        `cbor:"project_id,omitempty"`
	Action      string         `cbor:"action"`
	Category    string         `cbor:"category"`
	ActorID     *string        `cbor:"actor_id,omitempty"`
	ActorEmail  *string        `cbor:"actor_email,omitempty"`
	ActorName   *string        `cbor:"actor_name,omitempty"`
	TargetID    *string        `cbor:"target_id,omitempty"`
	TargetType  *string        `cbor:"target_type,omitempty"`
	Payload     event.Document `cbor:"payload,omitempty"`
	Metadata    event.Document `cbor:"metadata,omitempty"`
	Changes     []event.Change `cbor:"changes,omitempty"`
	Hash        string         `cbor:"hash"`
	PrevHash    *string        `cbor:"prev_hash,omitempty"`
	TraceID     *string        `cbor:"trace_id,omitempty"`
	DataRegion  string         `cbor:"data_region"`

	// Unix milliseconds. Default CBOR time encoding drops sub-second
	// precision, which would make the stored hash unverifiable against the
	// replayed row; the hash input serializes createdAt at millisecond
	// precision.
	CreatedAtMs int64 `cbor:"created_at_ms"`
}

// EncodeEvent serializes an event for the pending-write queue.
func EncodeEvent(e *event.AuditEvent) ([]byte, error) {
	blob := eventBlob{
		ID:          e.ID,
		CompanyID:   e.CompanyID,
		WorkspaceID: e.WorkspaceID,
		ProjectID:   e.ProjectID,
		Action:      e.Action,
		Category:    e.Category,
		ActorID:     e.ActorID,
		ActorEmail:  e.ActorEmail,
		ActorName:   e.ActorName,
		TargetID:    e.TargetID,
		TargetType:  e.TargetType,
		Payload:     e.Payload,
		Metadata:    e.Metadata,
		Changes:     e.Changes,
		Hash:        e.Hash,
		PrevHash:    e.PrevHash,
		TraceID:     e.TraceID,
		DataRegion:  e.DataRegion,
		CreatedAtMs: e.CreatedAt.UTC().UnixMilli(),
	}
	data, err := cbor.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("encode pending event %s: %w", e.ID, err)
	}
	return data, nil
}

// DecodeEvent restores an event from its queued payload.
func DecodeEvent(data []byte) (*event.AuditEvent, error) {
	if len(data) == 0 {
		return nil, ErrInvalidEventBlob
	}
	var blob eventBlob
	if err := cbor.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEventBlob, err)
	}
	return &event.AuditEvent{
		ID:          blob.ID,
		CompanyID:   blob.CompanyID,
		WorkspaceID: blob.WorkspaceID,
		ProjectID:   blob.ProjectID,
		Action:      blob.Action,
		Category:    blob.Category,
		ActorID:     blob.ActorID,
		ActorEmail:  blob.ActorEmail,
		ActorName:   blob.ActorName,
		TargetID:    blob.TargetID,
		TargetType:  blob.TargetType,
		Payload:     blob.Payload,
		Metadata:    blob.Metadata,
		Changes:     blob.Changes,
		Hash:        blob.Hash,
		PrevHash:    blob.PrevHash,
		TraceID:     blob.TraceID,
		DataRegion:  blob.DataRegion,
		CreatedAt:   time.UnixMilli(blob.CreatedAtMs).UTC(),
	}, nil
}

// InMemoryQueue implements Queue in process, for tests and development.
type InMemoryQueue struct {
	mu     sync.Mutex
	writes map[string]*PendingWrite
	seq    int
	order  map[string]int
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		writes: make(map[string]*PendingWrite),
		order:  make(map[string]int),
	}
}

// Enqueue implements Queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, w *PendingWrite) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *w
	cp.EventData = append([]byte(nil), w.EventData...)
	q.writes[w.ID] = &cp
	q.seq++
	q.order[w.ID] = q.seq
	return nil
}

// ListOldest implements Queue.
func (q *InMemoryQueue) ListOldest(ctx context.Context, r region.Region, batch int) ([]*PendingWrite, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*PendingWrite
	for _, w := range q.writes {
		if w.Region == r {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return q.order[out[i].ID] < q.order[out[j].ID] })
	if batch > 0 && len(out) > batch {
		out = out[:batch]
	}
	return out, nil
}

// Delete implements Queue.
func (q *InMemoryQueue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.writes, id)
	delete(q.order, id)
	return nil
}

// CountByRegion implements Queue.
func (q *InMemoryQueue) CountByRegion(ctx context.Context) (map[region.Region]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[region.Region]int)
	for _, w := range q.writes {
		counts[w.Region]++
	}
	return counts, nil
}

// Len returns the queue depth across regions. Test helper.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.writes)
}
