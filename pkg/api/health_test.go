package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chainhaven/dsnsync/pkg/importer"
	"github.com/chainhaven/dsnsync/pkg/segments"
	"github.com/chainhaven/dsnsync/pkg/types"
)

type mockStatusProvider struct {
	status importer.Status
}

func (m *mockStatusProvider) Status() importer.Status {
	return m.status
}

type mockCheckpointSource struct {
	checkpoint types.SegmentIndex
	err        error
}

func (m *mockCheckpointSource) Checkpoint(context.Context) (types.SegmentIndex, error) {
	return m.checkpoint, m.err
}

func serve(t *testing.T, h *HealthHandler, path string) (*httptest.ResponseRecorder, HealthStatus) {
	t.Helper()

	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var hs HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&hs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, hs
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		state      importer.State
		wantCode   int
		wantHealth bool
	}{
		{
			name:       "processing is healthy",
			state:      importer.StateProcessingSegment,
			wantCode:   http.StatusOK,
			wantHealth: true,
		},
		{
			name:       "done is healthy",
			state:      importer.StateDone,
			wantCode:   http.StatusOK,
			wantHealth: true,
		},
		{
			name:       "failed is unhealthy",
			state:      importer.StateFailed,
			wantCode:   http.StatusServiceUnavailable,
			wantHealth: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := &mockStatusProvider{status: importer.Status{
				State:          tt.state,
				CurrentSegment: 3,
				BlocksQueued:   500,
				BestBlock:      450,
			}}
			h := NewHealthHandler(sp, &mockCheckpointSource{checkpoint: 2}, "test")

			rec, hs := serve(t, h, "/health")
			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			if hs.Healthy != tt.wantHealth {
				t.Errorf("healthy = %v, want %v", hs.Healthy, tt.wantHealth)
			}
			if hs.CurrentSegment != 3 || hs.BlocksQueued != 500 || hs.Checkpoint != 2 {
				t.Errorf("status body = %+v", hs)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	sp := &mockStatusProvider{status: importer.Status{State: importer.StateProcessingSegment}}

	h := NewHealthHandler(sp, &mockCheckpointSource{}, "test")
	if rec, _ := serve(t, h, "/health/ready"); rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}

	// An empty store is still ready; an unreachable one is not.
	h = NewHealthHandler(sp, &mockCheckpointSource{err: segments.ErrNotFound}, "test")
	if rec, _ := serve(t, h, "/health/ready"); rec.Code != http.StatusOK {
		t.Errorf("status code with empty store = %d, want 200", rec.Code)
	}

	h = NewHealthHandler(sp, &mockCheckpointSource{err: errors.New("database locked")}, "test")
	if rec, _ := serve(t, h, "/health/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code with broken store = %d, want 503", rec.Code)
	}
}

func TestStatusEndpointAlwaysOK(t *testing.T) {
	sp := &mockStatusProvider{status: importer.Status{State: importer.StateFailed}}
	h := NewHealthHandler(sp, &mockCheckpointSource{}, "v1.2.3")

	rec, hs := serve(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
	if hs.PipelineState != "failed" {
		t.Errorf("pipeline_state = %q, want failed", hs.PipelineState)
	}
	if hs.Version != "v1.2.3" {
		t.Errorf("version = %q, want v1.2.3", hs.Version)
	}
}
