package dsn

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	gorpc "github.com/filecoin-project/go-jsonrpc"
	"github.com/rs/zerolog"

	"github.com/chainhaven/dsnsync/pkg/types"
)

// wireIncomingBlock is the JSON shape of a block descriptor submitted to
// the node's import queue.
type wireIncomingBlock struct {
	Hash           []byte `json:"hash"`
	Number         uint64 `json:"number"`
	Header         []byte `json:"header"`
	Body           []byte `json:"body"`
	ImportExisting bool   `json:"import_existing"`
}

// bestNumberTimeout bounds the best-block poll issued from the pipeline's
// backpressure loop.
const bestNumberTimeout = 5 * time.Second

// NodeClient talks to the local node over JSON-RPC: it reads chain state
// and feeds the import queue. Submissions are fire-and-forget; the queue
// reports verification results through its own notification channel, not
// through this call.
type NodeClient struct {
	internal struct {
		BestNumber   func(ctx context.Context) (uint64, error)
		BlockBytes   func(ctx context.Context, number uint64) ([]byte, error)
		ImportBlocks func(ctx context.Context, origin string, blocks []wireIncomingBlock) error
	}
	closer gorpc.ClientCloser
	log    zerolog.Logger

	// lastBest is served when a poll fails, so backpressure keeps a
	// monotone view instead of erroring mid-wait.
	lastBest atomic.Uint64
}

// DialNode connects to the local node's JSON-RPC endpoint.
func DialNode(ctx context.Context, addr string, log zerolog.Logger) (*NodeClient, error) {
	c := &NodeClient{
		log: log.With().Str("component", "node-client").Logger(),
	}
	closer, err := gorpc.NewClient(ctx, addr, "chain", &c.internal, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", addr, err)
	}
	c.closer = closer

	c.log.Info().Str("addr", addr).Msg("connected to local node")
	return c, nil
}

// BestBlockNumber returns the node's best imported block number. On poll
// failure it logs and returns the last observed value.
func (c *NodeClient) BestBlockNumber() uint64 {
	ctx, cancel := context.WithTimeout(context.Background(), bestNumberTimeout)
	defer cancel()

	best, err := c.internal.BestNumber(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("best number poll failed, using last observed value")
		return c.lastBest.Load()
	}
	c.lastBest.Store(best)
	return best
}

// BlockBytes returns the canonical encoding of a locally stored block.
func (c *NodeClient) BlockBytes(ctx context.Context, number uint64) ([]byte, error) {
	raw, err := c.internal.BlockBytes(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("%w: block bytes for %d: %s", ErrNetwork, number, err)
	}
	return raw, nil
}

// ImportBlocks submits a batch to the node's import queue.
func (c *NodeClient) ImportBlocks(origin types.BlockOrigin, blocks []types.IncomingBlock) {
	wire := make([]wireIncomingBlock, 0, len(blocks))
	for i := range blocks {
		b := &blocks[i]
		wire = append(wire, wireIncomingBlock{
			Hash:           b.Hash[:],
			Number:         b.Number,
			Header:         b.Header,
			Body:           b.Body,
			ImportExisting: b.ImportExisting,
		})
	}

	if err := c.internal.ImportBlocks(context.Background(), origin.String(), wire); err != nil {
		// The queue's own notification channel is the source of truth for
		// import results; a failed submission surfaces there as a stall.
		c.log.Error().Err(err).
			Str("origin", origin.String()).
			Int("blocks", len(blocks)).
			Msg("import queue submission failed")
	}
}

// Close tears down the RPC connection.
func (c *NodeClient) Close() error {
	if c.closer != nil {
		c.closer()
	}
	return nil
}
