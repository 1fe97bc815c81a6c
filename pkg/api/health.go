// Package api serves the pipeline's status and health endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/chainhaven/dsnsync/pkg/importer"
	"github.com/chainhaven/dsnsync/pkg/segments"
	"github.com/chainhaven/dsnsync/pkg/types"
)

// StatusProvider returns the pipeline's current progress.
type StatusProvider interface {
	Status() importer.Status
}

// CheckpointSource is the slice of the header store the readiness check
// touches.
type CheckpointSource interface {
	Checkpoint(ctx context.Context) (types.SegmentIndex, error)
}

// HealthStatus is the JSON response for the health and status endpoints.
type HealthStatus struct {
	Healthy        bool   `json:"healthy"`
	PipelineState  string `json:"pipeline_state"`
	CurrentSegment uint64 `json:"current_segment"`
	BlocksQueued   uint64 `json:"blocks_queued"`
	BestBlock      uint64 `json:"best_block"`
	Checkpoint     uint64 `json:"checkpoint"`
	Uptime         string `json:"uptime"`
	Version        string `json:"version"`
}

// HealthHandler serves /health, /health/ready, and /status.
type HealthHandler struct {
	status    StatusProvider
	store     CheckpointSource
	version   string
	startTime time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(sp StatusProvider, store CheckpointSource, version string) *HealthHandler {
	return &HealthHandler{
		status:    sp,
		store:     store,
		version:   version,
		startTime: time.Now(),
	}
}

// Register mounts the endpoints on the given mux.
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.HandleFunc("/status", h.handleStatus)
}

func (h *HealthHandler) buildStatus(ctx context.Context) HealthStatus {
	st := h.status.Status()

	var checkpoint uint64
	if cp, err := h.store.Checkpoint(ctx); err == nil {
		checkpoint = uint64(cp)
	}

	return HealthStatus{
		Healthy:        st.State != importer.StateFailed,
		PipelineState:  st.State.String(),
		CurrentSegment: uint64(st.CurrentSegment),
		BlocksQueued:   st.BlocksQueued,
		BestBlock:      st.BestBlock,
		Checkpoint:     checkpoint,
		Uptime:         time.Since(h.startTime).Truncate(time.Second).String(),
		Version:        h.version,
	}
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	hs := h.buildStatus(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if !hs.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(hs) //nolint:errcheck
}

func (h *HealthHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	hs := h.buildStatus(r.Context())

	// Additional readiness check: the header store must be accessible.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	_, err := h.store.Checkpoint(ctx)
	storeOK := err == nil || errors.Is(err, segments.ErrNotFound)

	w.Header().Set("Content-Type", "application/json")
	if !hs.Healthy || !storeOK {
		hs.Healthy = false
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(hs) //nolint:errcheck
}

func (h *HealthHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	hs := h.buildStatus(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hs) //nolint:errcheck
}
