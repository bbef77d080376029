package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reward-accumulator/internal/audit"
	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/scheduler"
)

type fakeRunner struct {
	busy    bool
	latest  *scheduler.Status
	sources []string
}

func (f *fakeRunner) Trigger(_ context.Context, source string) (string, error) {
	if f.busy {
		return "", xerrors.New(xerrors.CodeRunInProgress, "")
	}
	f.sources = append(f.sources, source)
	return "run-42", nil
}

func (f *fakeRunner) Latest() (scheduler.Status, bool) {
	if f.latest == nil {
		return scheduler.Status{}, false
	}
	return *f.latest, true
}

type fakeHistory struct {
	limit   int
	records []audit.Record
	err     error
}

func (f *fakeHistory) Latest(_ context.Context, limit int) ([]audit.Record, error) {
	f.limit = limit
	return f.records, f.err
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestTriggerRun(t *testing.T) {
	runner := &fakeRunner{}
	server := NewServer(":0", runner, nil)

	rec := serve(server, http.MethodPost, "/api/v1/runs")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["run_id"] != "run-42" || len(runner.sources) != 1 || runner.sources[0] != "api" {
		t.Fatalf("unexpected trigger %v %v", body, runner.sources)
	}

	runner.busy = true
	rec = serve(server, http.MethodPost, "/api/v1/runs")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RUN_IN_PROGRESS") {
		t.Fatalf("expected error code in body, got %s", rec.Body.String())
	}
}

func TestLatestRun(t *testing.T) {
	runner := &fakeRunner{}
	server := NewServer(":0", runner, nil)

	if rec := serve(server, http.MethodGet, "/api/v1/runs/latest"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	runner.latest = &scheduler.Status{RunID: "run-7", State: "DONE", Deposited: "1480"}
	rec := serve(server, http.MethodGet, "/api/v1/runs/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var got scheduler.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RunID != "run-7" || got.Deposited != "1480" {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestListTransactions(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		server := NewServer(":0", &fakeRunner{}, nil)
		if rec := serve(server, http.MethodGet, "/api/v1/transactions"); rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("limit", func(t *testing.T) {
		history := &fakeHistory{records: []audit.Record{{
			Timestamp: time.Unix(1700000000, 0).UTC(),
			Kind:      audit.KindSwap,
			Hash:      "0xabc",
		}}}
		server := NewServer(":0", &fakeRunner{}, history)

		rec := serve(server, http.MethodGet, "/api/v1/transactions?limit=5")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if history.limit != 5 {
			t.Fatalf("expected limit 5, got %d", history.limit)
		}
		var got []audit.Record
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(got) != 1 || got[0].Kind != audit.KindSwap || got[0].Hash != "0xabc" {
			t.Fatalf("unexpected records %+v", got)
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		history := &fakeHistory{err: xerrors.Wrap(xerrors.CodeStorageFailure, errors.New("dial tcp"), "")}
		server := NewServer(":0", &fakeRunner{}, history)
		if rec := serve(server, http.MethodGet, "/api/v1/transactions"); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})
}

func TestHealthAndMetrics(t *testing.T) {
	server := NewServer(":0", &fakeRunner{}, nil)
	if rec := serve(server, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	rec := serve(server, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "accumulator_") {
		t.Fatalf("unexpected metrics response %d", rec.Code)
	}
}
