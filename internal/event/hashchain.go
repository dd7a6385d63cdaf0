package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// hashTimeLayout renders CreatedAt the way the wire format does: UTC,
// millisecond precision, trailing Z. Changing this breaks every stored hash.
const hashTimeLayout = "2006-01-02T15:04:05.000Z"

// HashInput is the order-stable projection of an event's content fields
// that participates in hash computation.
type HashInput struct {
	WorkspaceID string
	CompanyID   string
	ProjectID   *string
	Action      string
	Category    string
	Payload     Document
	Metadata    Document
	ActorID     *string
	ActorEmail  *string
	ActorName   *string
	CreatedAt   time.Time
}

// ComputeEventHash derives the integrity hash for an event from its content
// fields and the hash of the previous event in the workspace chain. A nil
// prevHash marks the head of a chain. The result is a hex-encoded SHA-256
// digest over prevHash (empty string when nil) followed by the canonical
// JSON serialization of the fields.
//
// The function is pure: identical input and prevHash always produce the
// identical hash, and any change to either changes the output. The only
// failure mode is a payload or metadata value that cannot be serialized,
// which aborts the ingest.
func ComputeEventHash(in HashInput, prevHash *string) (string, error) {
	canonical, err := CanonicalJSON(map[string]any{
		"workspaceId": in.WorkspaceID,
		"companyId":   in.CompanyID,
		"projectId":   strPtrValue(in.ProjectID),
		"action":      in.Action,
		"category":    in.Category,
		"payload":     documentValue(in.Payload),
		"metadata":    documentValue(in.Metadata),
		"actorId":     strPtrValue(in.ActorID),
		"actorEmail":  strPtrValue(in.ActorEmail),
		"actorName":   strPtrValue(in.ActorName),
		"createdAt":   in.CreatedAt.UTC().Format(hashTimeLayout),
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize hash input: %w", err)
	}

	h := sha256.New()
	if prevHash != nil {
		h.Write([]byte(*prevHash))
	}
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashInputFromEvent builds the hash projection from a stored event, used
// when recomputing chains for replicas and for verification.
func HashInputFromEvent(e *AuditEvent) HashInput {
	return HashInput{
		WorkspaceID: e.WorkspaceID,
		CompanyID:   e.CompanyID,
		ProjectID:   e.ProjectID,
		Action:      e.Action,
		Category:    e.Category,
		Payload:     e.Payload,
		Metadata:    e.Metadata,
		ActorID:     e.ActorID,
		ActorEmail:  e.ActorEmail,
		ActorName:   e.ActorName,
		CreatedAt:   e.CreatedAt,
	}
}

// CanonicalJSON serializes a value deterministically: object keys are sorted
// recursively, arrays keep their order, scalars use encoding/json rules.
// It is the one fixed canonicalization routine used for hashing and must
// stay independent of how payloads are stored.
func CanonicalJSON(v any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
		return nil
	case map[string]any:
		return writeCanonicalMap(b, val)
	case Document:
		return writeCanonicalMap(b, val)
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(raw)
		return nil
	}
}

func writeCanonicalMap(b *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		rawKey, err := json.Marshal(k)
		if err != nil {
			return err
		}
		b.Write(rawKey)
		b.WriteByte(':')
		if err := writeCanonical(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// strPtrValue converts an optional string into its canonical hashed form.
func strPtrValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// documentValue converts an optional document into its canonical hashed form.
// A nil document hashes as null, distinct from an empty object.
func documentValue(d Document) any {
	if d == nil {
		return nil
	}
	return map[string]any(d)
}
