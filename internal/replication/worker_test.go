package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/auditrail/internal/event"
	"github.com/onnwee/auditrail/internal/region"
)

type fixture struct {
	worker    *Worker
	au        *region.InMemoryEventStore
	eu        *region.InMemoryEventStore
	directory *region.InMemoryDirectory
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	au := region.NewInMemoryEventStore()
	eu := region.NewInMemoryEventStore()
	directory := region.NewInMemoryDirectory()
	directory.Put(&region.Company{
		ID:          "company-1",
		DataRegion:  region.RegionAU,
		ReplicateTo: []region.Region{region.RegionEU},
	})

	provider := region.NewStaticProvider(directory)
	provider.AddStore(region.RegionAU, au)
	provider.AddStore(region.RegionEU, eu)

	return &fixture{
		worker:    NewWorker(provider, directory, nil, nil, cfg),
		au:        au,
		eu:        eu,
		directory: directory,
	}
}

func appendEvent(t *testing.T, store *region.InMemoryEventStore, companyID, workspaceID string, createdAt time.Time) *event.AuditEvent {
	t.Helper()
	ev, err := store.AppendChained(context.Background(), companyID, workspaceID, func(prevHash *string) (*event.AuditEvent, error) {
		e := &event.AuditEvent{
			ID:          uuid.New().String(),
			CompanyID:   companyID,
			WorkspaceID: workspaceID,
			Action:      "user.login",
			Category:    "auth",
			Payload:     event.Document{"seq": createdAt.UnixMilli()},
			PrevHash:    prevHash,
			DataRegion:  string(region.RegionAU),
			CreatedAt:   createdAt,
		}
		hash, err := event.ComputeEventHash(event.HashInputFromEvent(e), prevHash)
		if err != nil {
			return nil, err
		}
		e.Hash = hash
		return e, nil
	})
	if err != nil {
		t.Fatalf("AppendChained: %v", err)
	}
	return ev
}

func TestRunOnce_CopiesEventsAndRebuildsChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	var originals []*event.AuditEvent
	for i := 0; i < 3; i++ {
		originals = append(originals, appendEvent(t, f.au, "company-1", "ws-1", base.Add(time.Duration(i)*time.Second)))
	}

	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if f.eu.Len() != 3 {
		t.Fatalf("replica has %d events, want 3", f.eu.Len())
	}

	// The replica chain is rebuilt: same ids and order, own hashes.
	var prev *string
	for i, orig := range originals {
		got, err := f.eu.GetByID(ctx, orig.ID)
		if err != nil {
			t.Fatalf("replica GetByID(%s): %v", orig.ID, err)
		}
		if got.DataRegion != string(region.RegionEU) {
			t.Errorf("event %d dataRegion = %q, want eu", i, got.DataRegion)
		}
		if (prev == nil) != (got.PrevHash == nil) {
			t.Fatalf("event %d replica prevHash presence wrong", i)
		}
		if prev != nil && *got.PrevHash != *prev {
			t.Errorf("event %d replica chain broken", i)
		}

		want, err := event.ComputeEventHash(event.HashInputFromEvent(got), got.PrevHash)
		if err != nil {
			t.Fatalf("ComputeEventHash: %v", err)
		}
		if got.Hash != want {
			t.Errorf("event %d replica hash does not verify", i)
		}
		prev = &got.Hash
	}
}

func TestRunOnce_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		appendEvent(t, f.au, "company-1", "ws-1", base.Add(time.Duration(i)*time.Second))
	}

	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	if f.eu.Len() != 3 {
		t.Errorf("replica has %d events after double run, want 3 (no duplicates)", f.eu.Len())
	}
}

func TestRunOnce_RespectsWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Window: time.Hour})

	now := time.Now().UTC().Truncate(time.Millisecond)
	appendEvent(t, f.au, "company-1", "ws-1", now.Add(-2*time.Hour)) // outside window
	recent := appendEvent(t, f.au, "company-1", "ws-1", now.Add(-time.Minute))

	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if f.eu.Len() != 1 {
		t.Fatalf("replica has %d events, want 1", f.eu.Len())
	}
	if _, err := f.eu.GetByID(ctx, recent.ID); err != nil {
		t.Errorf("recent event missing from replica: %v", err)
	}
}

func TestRunOnce_SkipsCompaniesWithoutReplicas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.directory.Put(&region.Company{ID: "company-2", DataRegion: region.RegionAU})

	appendEvent(t, f.au, "company-2", "ws-1", time.Now().UTC().Add(-time.Minute))

	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if f.eu.Len() != 0 {
		t.Errorf("replica has %d events, want 0", f.eu.Len())
	}
}

func TestRunOnce_ContinuesPastReplicaFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	appendEvent(t, f.au, "company-1", "ws-1", base)

	f.eu.SetFailure(errors.New("connection refused"))
	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce with failing replica: %v", err)
	}
	if f.eu.Len() != 0 {
		t.Errorf("replica should be empty while failing")
	}

	// Next pass catches up once the replica recovers.
	f.eu.SetFailure(nil)
	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce after recovery: %v", err)
	}
	if f.eu.Len() != 1 {
		t.Errorf("replica has %d events after recovery, want 1", f.eu.Len())
	}
}
