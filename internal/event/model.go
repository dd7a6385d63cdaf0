// Package event defines the audit event model and the hash-chain builder
// used to make per-workspace event history tamper evident.
package event

import (
	"time"
)

// Document is a schema-free JSON-shaped value used for event payloads and
// metadata. Values are stored as delivered; only hashing applies the
// canonical serialization (see CanonicalJSON).
type Document map[string]any

// Actor identifies who performed the audited action.
type Actor struct {
	ID    *string `json:"id,omitempty"`
	Email *string `json:"email,omitempty"`
	Name  *string `json:"name,omitempty"`
}

// Target identifies what the audited action was performed on.
type Target struct {
	ID   *string `json:"id,omitempty"`
	Type *string `json:"type,omitempty"`
}

// Change records a single field transition carried by an event.
type Change struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// AuditEvent is one immutable record of an ingested action.
//
// Hash is a pure function of the content fields plus PrevHash. PrevHash is
// nil for the first event ever written for a workspace; every subsequent
// event's PrevHash equals the Hash of the immediately preceding event in
// that workspace, in insertion order. Rows are created once and never
// updated by this engine; the external archival and GDPR collaborators may
// flip Archived or null actor/payload fields but must not touch
// Hash/PrevHash.
type AuditEvent struct {
	ID          string
	CompanyID   string
	WorkspaceID string
	ProjectID   *string
	Action      string
	Category    string
	ActorID     *string
	ActorEmail  *string
	ActorName   *string
	TargetID    *string
	TargetType  *string
	Payload     Document
	Metadata    Document
	Changes     []Change
	Hash        string
	PrevHash    *string
	TraceID     *string
	DataRegion  string
	CreatedAt   time.Time

	// Retention flags owned by the external archival process. The schema
	// keeps both stable; this engine only ever reads them.
	Archived          bool
	ArchivalCandidate bool
}

// Input is the pre-validated ingestion payload handed to the broker by the
// API layer.
type Input struct {
	ProjectID *string
	Action    string
	Category  string
	Actor     *Actor
	Target    *Target
	Payload   Document
	Metadata  Document
	Changes   []Change
}

// Clone returns a shallow-field copy of the event. Payload, Metadata and
// Changes are shared; callers that mutate them must copy first.
func (e *AuditEvent) Clone() *AuditEvent {
	cp := *e
	return &cp
}
