package segments

import (
	"context"
	"errors"

	"github.com/chainhaven/dsnsync/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store persists segment headers and the pipeline checkpoint. Writes must be
// idempotent (headers are immutable) and reads monotone-consistent: once a
// header is visible it stays visible.
type Store interface {
	AddSegmentHeaders(ctx context.Context, headers []types.SegmentHeader) error

	// Get returns the header for the given segment.
	// Returns (nil, ErrNotFound) if the header has not been stored yet.
	Get(ctx context.Context, index types.SegmentIndex) (*types.SegmentHeader, error)

	// MaxSegmentIndex returns the highest stored segment index.
	// Returns (0, ErrNotFound) when the store is empty.
	MaxSegmentIndex(ctx context.Context) (types.SegmentIndex, error)

	// Checkpoint returns the last fully processed segment index.
	// Returns (0, ErrNotFound) if no checkpoint has been persisted yet.
	Checkpoint(ctx context.Context) (types.SegmentIndex, error)
	SetCheckpoint(ctx context.Context, index types.SegmentIndex) error

	Close() error
}
