// Package dsn defines the transport surface toward the distributed storage
// network and the local node, plus JSON-RPC implementations of both.
package dsn

import (
	"context"
	"errors"

	"github.com/chainhaven/dsnsync/pkg/types"
)

// ErrNetwork marks transient transport failures: unreachable peers,
// timeouts, closed connections. Callers retry (or not) per their own retry
// policy; the transport does not retry beyond its own timeout.
var ErrNetwork = errors.New("network error")

// PieceGetter fetches a single piece from the network.
// A (nil, nil) return means no reachable peer had the piece.
type PieceGetter interface {
	FetchPiece(ctx context.Context, index types.PieceIndex) (*types.Piece, error)
}

// HeaderGetter fetches the full ordered list of segment headers.
type HeaderGetter interface {
	FetchSegmentHeaders(ctx context.Context) ([]types.SegmentHeader, error)
}

// Client is the combined DSN transport surface.
type Client interface {
	PieceGetter
	HeaderGetter
	Close() error
}
