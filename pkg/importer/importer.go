// Package importer drives the bulk historical import: it walks archived
// segments in order, retrieves and reconstructs each one, and feeds the
// decoded blocks into the node's import queue under a backpressure limit.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainhaven/dsnsync/pkg/metrics"
	"github.com/chainhaven/dsnsync/pkg/reconstruct"
	"github.com/chainhaven/dsnsync/pkg/retrieve"
	"github.com/chainhaven/dsnsync/pkg/types"
)

// ErrChainMismatch is returned when decoded historical bytes disagree with
// the local chain. It aborts the run immediately: the local database and
// the archive describe different chains, which needs operator attention.
var ErrChainMismatch = errors.New("decoded blocks mismatch local chain")

const (
	// DefaultQueuedBlocksLimit is how far decoded blocks may run ahead of
	// the best imported block before the pipeline pauses.
	DefaultQueuedBlocksLimit = 2048

	// DefaultWaitForBlocks is how long to sleep between best-block polls
	// when the import queue is saturated.
	DefaultWaitForBlocks = time.Second
)

// HeaderDownloader fetches the ordered segment header list.
type HeaderDownloader interface {
	GetSegmentHeaders(ctx context.Context) ([]types.SegmentHeader, error)
}

// HeaderStore is the slice of the segment header store the driver needs.
type HeaderStore interface {
	AddSegmentHeaders(ctx context.Context, headers []types.SegmentHeader) error
	SetCheckpoint(ctx context.Context, index types.SegmentIndex) error
}

// PieceProvider fetches a single validated piece, or (nil, nil) on a miss.
type PieceProvider interface {
	GetPiece(ctx context.Context, index types.PieceIndex, policy retrieve.RetryPolicy) (*types.Piece, error)
}

// ChainInfo exposes the local chain state the driver reads. BestBlockNumber
// must be monotonically non-decreasing across calls: the import queue is
// its single writer.
type ChainInfo interface {
	BestBlockNumber() uint64
	BlockBytes(ctx context.Context, number uint64) ([]byte, error)
}

// ImportQueue accepts ordered block batches. Submission is fire-and-forget;
// verification results surface through the queue's own notification
// channel.
type ImportQueue interface {
	ImportBlocks(origin types.BlockOrigin, blocks []types.IncomingBlock)
}

// Driver runs the segment retrieval and reconstruction pipeline.
type Driver struct {
	Headers HeaderDownloader
	Store   HeaderStore
	Pieces  PieceProvider
	Chain   ChainInfo
	Queue   ImportQueue

	// ImportExisting forces blocks into the queue even when the node
	// already has them.
	ImportExisting bool

	// QueuedBlocksLimit and WaitForBlocks tune backpressure; zero values
	// select the defaults.
	QueuedBlocksLimit uint64
	WaitForBlocks     time.Duration

	Metrics metrics.Recorder
	Log     zerolog.Logger

	mu             sync.Mutex
	state          State
	currentSegment types.SegmentIndex
	lastBest       uint64
	queued         atomic.Uint64
}

// Run imports archived history from the DSN and returns the number of
// blocks handed to the import queue. Any unrecoverable error aborts the
// run.
func (d *Driver) Run(ctx context.Context) (uint64, error) {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop()
	}
	limit := d.QueuedBlocksLimit
	if limit == 0 {
		limit = DefaultQueuedBlocksLimit
	}
	wait := d.WaitForBlocks
	if wait == 0 {
		wait = DefaultWaitForBlocks
	}
	d.queued.Store(0)
	d.setState(StateIdle, 0)

	stageStart := time.Now()
	headers, err := d.Headers.GetSegmentHeaders(ctx)
	d.Metrics.ObserveStageDuration("download_headers", time.Since(stageStart))
	if err != nil {
		d.setState(StateFailed, 0)
		return 0, fmt.Errorf("get segment headers: %w", err)
	}

	d.Log.Debug().Int("count", len(headers)).Msg("found segment headers")
	if len(headers) == 0 {
		d.setState(StateDone, 0)
		return 0, nil
	}

	if err := d.Store.AddSegmentHeaders(ctx, headers); err != nil {
		d.setState(StateFailed, 0)
		return 0, fmt.Errorf("persist segment headers: %w", err)
	}
	d.setState(StateHeadersFetched, 0)

	startTime := time.Now()
	stopProgress := make(chan struct{})
	progressStopped := make(chan struct{})
	go func() {
		defer close(progressStopped)
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				done := d.queued.Load()
				if done == 0 {
					d.Log.Info().
						Int("segments", len(headers)).
						Msg("import progress: waiting for first segment")
					continue
				}
				elapsed := time.Since(startTime)
				rate := float64(done) / elapsed.Seconds()
				d.Log.Info().
					Uint64("blocks_queued", done).
					Stringer("segment", d.Status().CurrentSegment).
					Str("rate", fmt.Sprintf("%.0f blocks/s", rate)).
					Msg("import progress")
			case <-stopProgress:
				return
			}
		}
	}()
	stopTicker := func() {
		close(stopProgress)
		<-progressStopped
	}

	// Segment 0 is present on every node; processing starts just after it.
	rec := reconstruct.New(&headers[0])

	for i := 1; i < len(headers); i++ {
		header := &headers[i]
		isLast := i == len(headers)-1

		d.Log.Debug().Stringer("segment_index", header.SegmentIndex).Msg("processing segment")

		best := d.Chain.BestBlockNumber()
		d.observeBest(best)

		last := header.LastArchivedBlock
		d.Log.Trace().
			Stringer("segment_index", header.SegmentIndex).
			Uint64("last_archived_block", last.Number).
			Bool("partial", last.Partial).
			Msg("checking segment header")

		// Already imported, or the segment only holds a part of the very
		// next block and nothing follows it.
		if last.Number <= best || (isLast && last.Partial && last.Number == best+1) {
			rec = reconstruct.New(header)
			d.Metrics.IncSegmentsSkipped()
			continue
		}

		d.setState(StateProcessingSegment, header.SegmentIndex)
		segStart := time.Now()

		d.Log.Debug().Stringer("segment_index", header.SegmentIndex).Msg("retrieving pieces of the segment")
		stageStart = time.Now()
		pieces, err := d.retrieveSegmentPieces(ctx, header.SegmentIndex)
		d.Metrics.ObserveStageDuration("retrieve_pieces", time.Since(stageStart))
		if err != nil {
			stopTicker()
			d.setState(StateFailed, header.SegmentIndex)
			return d.queued.Load(), fmt.Errorf("retrieve pieces for segment %d: %w", header.SegmentIndex, err)
		}

		stageStart = time.Now()
		contents, err := rec.AddSegment(pieces, header)
		d.Metrics.ObserveStageDuration("reconstruct", time.Since(stageStart))
		if err != nil {
			stopTicker()
			d.setState(StateFailed, header.SegmentIndex)
			return d.queued.Load(), fmt.Errorf("reconstruct segment %d: %w", header.SegmentIndex, err)
		}
		d.Log.Trace().Stringer("segment_index", header.SegmentIndex).Msg("segment reconstructed successfully")

		submitted, err := d.queueBlocks(ctx, contents.Blocks, isLast, limit, wait)
		if err != nil {
			stopTicker()
			d.setState(StateFailed, header.SegmentIndex)
			return d.queued.Load(), err
		}

		if err := d.Store.SetCheckpoint(ctx, header.SegmentIndex); err != nil {
			stopTicker()
			d.setState(StateFailed, header.SegmentIndex)
			return d.queued.Load(), fmt.Errorf("checkpoint segment %d: %w", header.SegmentIndex, err)
		}

		d.Metrics.IncSegmentsReconstructed()
		d.Metrics.ObserveSegmentDuration(time.Since(segStart))

		// Everything the segment held was already imported: the rest of
		// the archive is behind the local chain too.
		if !submitted {
			break
		}
	}

	stopTicker()
	d.setState(StateDone, 0)

	total := d.queued.Load()
	elapsed := time.Since(startTime)
	d.Log.Info().
		Uint64("blocks", total).
		Str("elapsed", elapsed.Truncate(time.Second).String()).
		Msg("historical import finished")

	return total, nil
}

// queueBlocks filters, decodes, and submits one segment's blocks. Returns
// whether anything was submitted.
func (d *Driver) queueBlocks(ctx context.Context, blocks []types.Block, isLast bool, limit uint64, wait time.Duration) (bool, error) {
	batch := make([]types.IncomingBlock, 0, len(blocks))

	best := d.Chain.BestBlockNumber()
	for _, blk := range blocks {
		if blk.Number <= best {
			// The node claims to have this block already; its bytes must
			// agree with what the archive holds.
			local, err := d.Chain.BlockBytes(ctx, blk.Number)
			if err != nil {
				return false, fmt.Errorf("read local block %d: %w", blk.Number, err)
			}
			if !bytes.Equal(local, blk.Bytes) {
				return false, fmt.Errorf("%w: block %d bytes differ from local chain", ErrChainMismatch, blk.Number)
			}
			continue
		}

		// Limit the number of queued-but-unimported blocks.
		for blk.Number-best >= limit {
			if len(batch) > 0 {
				d.submit(types.OriginInitialSync, batch)
				batch = make([]types.IncomingBlock, 0, len(blocks))
			}
			d.Log.Trace().
				Uint64("block_number", blk.Number).
				Uint64("best_block_number", best).
				Msg("queued block limit reached, waiting for imports to catch up")
			d.Metrics.IncBackpressureWaits()

			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(wait):
			}

			best = d.Chain.BestBlockNumber()
			d.observeBest(best)
		}

		decoded, err := types.DecodeBlock(blk.Bytes)
		if err != nil {
			return false, fmt.Errorf("decode block %d: %w", blk.Number, err)
		}
		if decoded.Number != blk.Number {
			return false, fmt.Errorf("%w: block %d decodes with number %d", ErrChainMismatch, blk.Number, decoded.Number)
		}

		batch = append(batch, types.IncomingBlock{
			Hash:           types.BlockHash(blk.Bytes),
			Number:         blk.Number,
			Header:         decoded.Header,
			Body:           decoded.Body,
			ImportExisting: d.ImportExisting,
		})

		if queued := d.queued.Add(1); queued%1000 == 0 {
			d.Log.Debug().Uint64("block_number", blk.Number).Msg("adding block from DSN to the import queue")
		}
	}

	if len(batch) == 0 {
		return false, nil
	}

	if isLast {
		d.setState(StateDraining, 0)
		final := batch[len(batch)-1]
		rest := batch[:len(batch)-1]
		if len(rest) > 0 {
			d.submit(types.OriginInitialSync, rest)
		}
		// The broadcast origin tells the node's regular sync to take over
		// from here.
		d.submit(types.OriginBroadcast, []types.IncomingBlock{final})
	} else {
		d.submit(types.OriginInitialSync, batch)
	}

	return true, nil
}

func (d *Driver) submit(origin types.BlockOrigin, batch []types.IncomingBlock) {
	d.Queue.ImportBlocks(origin, batch)
	d.Metrics.IncBlocksQueued(len(batch))
}
