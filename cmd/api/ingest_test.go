package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/auditrail/internal/billing"
	"github.com/onnwee/auditrail/internal/broker"
	"github.com/onnwee/auditrail/internal/index"
	"github.com/onnwee/auditrail/internal/ratelimit"
	"github.com/onnwee/auditrail/internal/region"
)

func newTestIngestHandler(t *testing.T, limit ratelimit.Config) (*IngestHandler, *region.InMemoryEventStore) {
	t.Helper()

	directory := region.NewInMemoryDirectory()
	directory.Put(&region.Company{ID: "company-1", Name: "Acme", DataRegion: region.RegionAU})

	store := region.NewInMemoryEventStore()
	provider := region.NewStaticProvider(directory)
	provider.AddStore(region.RegionAU, store)

	plans := billing.NewStaticPlanSource()
	plans.Set("company-1", billing.Plan{
		Name:               "growth",
		MonthlyEventLimit:  100,
		CurrentPeriodStart: time.Now().UTC().Add(-time.Hour),
		CurrentPeriodEnd:   time.Now().UTC().Add(30 * 24 * time.Hour),
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(provider, index.NewInMemoryRepository(), logger)
	ipLimit := ratelimit.Config{Limit: 1000, Window: time.Minute, BurstLimit: 1000}
	return NewIngestHandler(b, billing.NewInMemoryEnforcer(plans), ratelimit.NewLimiter(), limit, ipLimit, logger), store
}

func defaultTestLimit() ratelimit.Config {
	return ratelimit.Config{Limit: 100, Window: time.Minute, BurstLimit: 100}
}

func postEvent(t *testing.T, h *IngestHandler, body any) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/events", bytes.NewReader(data))
	w := httptest.NewRecorder()
	h.CreateEvent(w, req)
	return w
}

func TestIngestHandler_CreateEvent(t *testing.T) {
	h, store := newTestIngestHandler(t, defaultTestLimit())

	w := postEvent(t, h, ingestRequest{
		CompanyID:   "company-1",
		WorkspaceID: "ws-1",
		Action:      "user.login",
		Category:    "auth",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp ingestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID == "" || resp.Hash == "" {
		t.Fatalf("expected id and hash in response, got %+v", resp)
	}
	if resp.PrevHash != nil {
		t.Errorf("first event should have nil prev_hash, got %v", *resp.PrevHash)
	}
	if resp.DataRegion != string(region.RegionAU) {
		t.Errorf("expected data_region au, got %q", resp.DataRegion)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 stored event, got %d", store.Len())
	}
}

func TestIngestHandler_ChainsSequentialEvents(t *testing.T) {
	h, _ := newTestIngestHandler(t, defaultTestLimit())

	first := postEvent(t, h, ingestRequest{
		CompanyID: "company-1", WorkspaceID: "ws-1", Action: "doc.create", Category: "docs",
	})
	second := postEvent(t, h, ingestRequest{
		CompanyID: "company-1", WorkspaceID: "ws-1", Action: "doc.update", Category: "docs",
	})
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("expected 201s, got %d and %d", first.Code, second.Code)
	}

	var a, b ingestResponse
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("unmarshal second: %v", err)
	}
	if b.PrevHash == nil || *b.PrevHash != a.Hash {
		t.Errorf("second event should link to first hash %q", a.Hash)
	}
}

func TestIngestHandler_ValidationErrors(t *testing.T) {
	h, _ := newTestIngestHandler(t, defaultTestLimit())

	cases := []struct {
		name string
		req  ingestRequest
		code string
	}{
		{"missing company", ingestRequest{WorkspaceID: "ws-1", Action: "a", Category: "c"}, errCodeValidation},
		{"missing workspace", ingestRequest{CompanyID: "company-1", Action: "a", Category: "c"}, errCodeValidation},
		{"missing action", ingestRequest{CompanyID: "company-1", WorkspaceID: "ws-1", Category: "c"}, errCodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postEvent(t, h, tc.req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			var resp errorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal error body: %v", err)
			}
			if resp.Error.Code != tc.code {
				t.Errorf("expected code %q, got %q", tc.code, resp.Error.Code)
			}
		})
	}
}

func TestIngestHandler_InvalidJSON(t *testing.T) {
	h, _ := newTestIngestHandler(t, defaultTestLimit())

	req := httptest.NewRequest(http.MethodPost, "/internal/v1/events", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.CreateEvent(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestIngestHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestIngestHandler(t, defaultTestLimit())

	req := httptest.NewRequest(http.MethodGet, "/internal/v1/events", nil)
	w := httptest.NewRecorder()
	h.CreateEvent(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestIngestHandler_UnknownCompany(t *testing.T) {
	h, _ := newTestIngestHandler(t, defaultTestLimit())

	w := postEvent(t, h, ingestRequest{
		CompanyID: "ghost", WorkspaceID: "ws-1", Action: "a", Category: "c",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if resp.Error.Code != errCodeUnknownTenant {
		t.Errorf("expected code %q, got %q", errCodeUnknownTenant, resp.Error.Code)
	}
}

func TestIngestHandler_RateLimited(t *testing.T) {
	h, _ := newTestIngestHandler(t, ratelimit.Config{Limit: 2, Window: time.Minute, BurstLimit: 2})

	req := ingestRequest{CompanyID: "company-1", WorkspaceID: "ws-1", Action: "a", Category: "c"}
	for i := 0; i < 2; i++ {
		if w := postEvent(t, h, req); w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, w.Code)
		}
	}

	w := postEvent(t, h, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on rate limited response")
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if resp.Error.Code != errCodeRateLimited {
		t.Errorf("expected code %q, got %q", errCodeRateLimited, resp.Error.Code)
	}
}

func TestIngestHandler_RateLimitedPerIP(t *testing.T) {
	h, _ := newTestIngestHandler(t, defaultTestLimit())
	h.ipLimit = ratelimit.Config{Limit: 2, Window: time.Minute, BurstLimit: 2}

	send := func(remoteAddr string) *httptest.ResponseRecorder {
		data, err := json.Marshal(ingestRequest{
			CompanyID: "company-1", WorkspaceID: "ws-1", Action: "a", Category: "c",
		})
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/internal/v1/events", bytes.NewReader(data))
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		h.CreateEvent(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := send("10.1.1.1:40000"); w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	w := send("10.1.1.1:40001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for exhausted client address, got %d", w.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if resp.Error.Code != errCodeRateLimited {
		t.Errorf("expected code %q, got %q", errCodeRateLimited, resp.Error.Code)
	}

	// A different client address has its own budget.
	if w := send("10.2.2.2:40000"); w.Code != http.StatusCreated {
		t.Errorf("expected 201 from fresh client address, got %d: %s", w.Code, w.Body.String())
	}
}

func TestIngestHandler_QuotaExceeded(t *testing.T) {
	h, store := newTestIngestHandler(t, defaultTestLimit())

	plans := billing.NewStaticPlanSource()
	plans.Set("company-1", billing.Plan{
		Name:               "tiny",
		MonthlyEventLimit:  2,
		CurrentPeriodStart: time.Now().UTC().Add(-time.Hour),
		CurrentPeriodEnd:   time.Now().UTC().Add(30 * 24 * time.Hour),
	})
	h.enforcer = billing.NewInMemoryEnforcer(plans)

	req := ingestRequest{CompanyID: "company-1", WorkspaceID: "ws-1", Action: "a", Category: "c"}
	for i := 0; i < 2; i++ {
		if w := postEvent(t, h, req); w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	w := postEvent(t, h, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if resp.Error.Code != errCodeQuotaExceeded {
		t.Errorf("expected code %q, got %q", errCodeQuotaExceeded, resp.Error.Code)
	}
	if store.Len() != 2 {
		t.Errorf("rejected event must not be stored, got %d events", store.Len())
	}
}
