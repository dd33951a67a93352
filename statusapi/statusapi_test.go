package statusapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nhalm/quotaguard"
	"github.com/nhalm/quotaguard/statusapi"
	"github.com/nhalm/quotaguard/store"
)

func setup(t *testing.T) (*quotaguard.Limiter, http.Handler) {
	t.Helper()

	backend := store.NewMemory()
	l, err := quotaguard.New(backend, quotaguard.Config{
		Limits: map[store.Operation]quotaguard.LimitConfig{
			store.OpSearch: {
				RequestsPerMinute: 2,
				RequestsPerHour:   5,
				RequestsPerDay:    10,
				DailyQuotaUnits:   100,
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	return l, statusapi.New(l)
}

func TestStatusEndpoint(t *testing.T) {
	l, handler := setup(t)

	if err := l.RecordRequest(context.Background(), "cust-1", store.OpSearch, 1, 30); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ratelimit/cust-1/search", http.NoBody)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var status quotaguard.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if status.CustomerID != "cust-1" || status.Operation != store.OpSearch {
		t.Errorf("unexpected identity: %+v", status)
	}
	if status.Minute.Used != 1 || status.Minute.Limit != 2 {
		t.Errorf("minute window: %+v", status.Minute)
	}
	if status.QuotaUsed != 30 || status.QuotaRemaining != 70 {
		t.Errorf("quota: used=%d remaining=%d", status.QuotaUsed, status.QuotaRemaining)
	}
}

func TestStatusUnknownOperation(t *testing.T) {
	_, handler := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/ratelimit/cust-1/teleport", http.NoBody)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != "unknown_operation" {
		t.Errorf("expected unknown_operation, got %q", body.Error.Code)
	}
}

func TestStatusUnconfiguredOperation(t *testing.T) {
	_, handler := setup(t)

	// A recognized operation with no configured limits is still a 404:
	// there is no limit state to report.
	req := httptest.NewRequest(http.MethodGet, "/ratelimit/cust-1/mutate", http.NoBody)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	_, handler := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
