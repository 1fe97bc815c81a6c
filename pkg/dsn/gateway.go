package dsn

import (
	"context"
	"fmt"
	"net/http"

	gorpc "github.com/filecoin-project/go-jsonrpc"
	"github.com/rs/zerolog"

	"github.com/chainhaven/dsnsync/pkg/types"
)

// wireSegmentHeader is the JSON shape of a segment header on the gateway
// API. Kept separate from types.SegmentHeader so the wire format can evolve
// without touching the domain type.
type wireSegmentHeader struct {
	SegmentIndex      uint64 `json:"segment_index"`
	Commitment        []byte `json:"commitment"`
	LastBlockNumber   uint64 `json:"last_block_number"`
	LastBlockPartial  bool   `json:"last_block_partial"`
	ContinuationBytes uint32 `json:"continuation_bytes"`
}

// GatewayClient talks to a DSN gateway over JSON-RPC. The gateway owns peer
// discovery, routing, and per-request timeouts; from this side a piece
// either arrives or it does not.
type GatewayClient struct {
	internal struct {
		FetchPiece     func(ctx context.Context, index uint64) ([]byte, error)
		SegmentHeaders func(ctx context.Context) ([]wireSegmentHeader, error)
	}
	closer gorpc.ClientCloser
	log    zerolog.Logger
}

// DialGateway connects to the gateway JSON-RPC endpoint. An empty authToken
// omits the Authorization header.
func DialGateway(ctx context.Context, addr, authToken string, log zerolog.Logger) (*GatewayClient, error) {
	var header http.Header
	if authToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + authToken}}
	}

	c := &GatewayClient{
		log: log.With().Str("component", "dsn-gateway").Logger(),
	}
	closer, err := gorpc.NewClient(ctx, addr, "dsn", &c.internal, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", addr, err)
	}
	c.closer = closer

	c.log.Info().Str("addr", addr).Msg("connected to DSN gateway")
	return c, nil
}

// FetchPiece requests a piece by global index. Returns (nil, nil) when no
// peer had it.
func (c *GatewayClient) FetchPiece(ctx context.Context, index types.PieceIndex) (*types.Piece, error) {
	raw, err := c.internal.FetchPiece(ctx, uint64(index))
	if err != nil {
		return nil, fmt.Errorf("%w: fetch piece %d: %s", ErrNetwork, index, err)
	}
	if raw == nil {
		return nil, nil
	}
	if len(raw) != types.PieceSize {
		return nil, fmt.Errorf("piece %d has %d bytes, want %d", index, len(raw), types.PieceSize)
	}
	var piece types.Piece
	copy(piece[:], raw)
	return &piece, nil
}

// FetchSegmentHeaders downloads all segment headers known to the gateway.
func (c *GatewayClient) FetchSegmentHeaders(ctx context.Context) ([]types.SegmentHeader, error) {
	wire, err := c.internal.SegmentHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch segment headers: %s", ErrNetwork, err)
	}

	headers := make([]types.SegmentHeader, 0, len(wire))
	for _, w := range wire {
		if len(w.Commitment) != types.CommitmentSize {
			return nil, fmt.Errorf("segment %d commitment has %d bytes, want %d",
				w.SegmentIndex, len(w.Commitment), types.CommitmentSize)
		}
		h := types.SegmentHeader{
			SegmentIndex: types.SegmentIndex(w.SegmentIndex),
			LastArchivedBlock: types.LastArchivedBlock{
				Number:  w.LastBlockNumber,
				Partial: w.LastBlockPartial,
			},
			ContinuationBytes: w.ContinuationBytes,
		}
		copy(h.SegmentCommitment[:], w.Commitment)
		headers = append(headers, h)
	}
	return headers, nil
}

// Close tears down the RPC connection.
func (c *GatewayClient) Close() error {
	if c.closer != nil {
		c.closer()
	}
	return nil
}
