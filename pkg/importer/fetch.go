package importer

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/chainhaven/dsnsync/pkg/retrieve"
	"github.com/chainhaven/dsnsync/pkg/types"
)

type pieceResult struct {
	index types.PieceIndex
	piece *types.Piece
}

// retrieveSegmentPieces fetches pieces for one segment with bounded
// concurrency. types.NumSourceRecords permits gate the fetches; source
// pieces claim permits eagerly, parity fetches wait for a permit released
// by a failed fetch. A permit is consumed for good only once a usable piece
// fills it: the budget is "first NumSourceRecords usable pieces", not
// "NumSourceRecords attempts".
//
// The returned slice has one slot per in-segment position, nil where no
// usable piece arrived. Collection stops as soon as the reconstruction
// threshold is met; outstanding fetches are abandoned and their late
// results discarded rather than force-cancelled.
func (d *Driver) retrieveSegmentPieces(ctx context.Context, segIdx types.SegmentIndex) ([]*types.Piece, error) {
	sem := semaphore.NewWeighted(types.NumSourceRecords)

	// Cancelling this context releases goroutines still waiting for a
	// permit once collection is over; fetches already in flight keep the
	// parent context and run to completion.
	waitCtx, cancelWaiters := context.WithCancel(ctx)
	defer cancelWaiters()

	results := make(chan pieceResult, types.NumPieces)
	var wg sync.WaitGroup

	for _, pieceIndex := range segIdx.PieceIndexesSourceFirst() {
		// Source pieces come first in the list, so they win the eager
		// claims.
		claimed := sem.TryAcquire(1)

		wg.Add(1)
		go func(index types.PieceIndex, claimed bool) {
			defer wg.Done()

			if !claimed {
				if err := sem.Acquire(waitCtx, 1); err != nil {
					return
				}
			}

			piece, err := d.Pieces.GetPiece(ctx, index, retrieve.Limited(0))
			if err != nil {
				d.Log.Trace().Err(err).Stringer("piece_index", index).Msg("piece request failed")
			}
			if err != nil || piece == nil {
				// Miss: hand the permit to the next waiting fetch.
				sem.Release(1)
				return
			}

			// Usable piece: the permit is deliberately never released.
			results <- pieceResult{index: index, piece: piece}
		}(pieceIndex, claimed)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	pieces := make([]*types.Piece, types.NumPieces)
	received := 0
	for res := range results {
		pos := res.index.Position()
		if pieces[pos] != nil {
			continue
		}
		pieces[pos] = res.piece
		received++

		if received >= types.NumSourceRecords {
			d.Log.Trace().Stringer("segment_index", segIdx).Msg("received half of the segment")
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pieces, nil
}
