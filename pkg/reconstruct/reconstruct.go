// Package reconstruct recovers original block bytes from erasure-coded
// segment pieces.
//
// A segment's payload is a slice of a global byte stream: each block is
// written as a u32 big-endian length prefix followed by the block bytes. A
// prefix is never split across segments (the archiver zero-pads instead),
// and a zero prefix marks padding to the end of the segment. Block bytes
// themselves may span any number of segments; the trailing partial block is
// carried across AddSegment calls.
package reconstruct

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/chainhaven/dsnsync/pkg/types"
)

// ErrNotEnoughPieces is returned when fewer than types.NumSourceRecords
// usable pieces are available for a segment.
var ErrNotEnoughPieces = errors.New("not enough pieces to reconstruct segment")

// ErrBadPayload is returned when decoded segment bytes are internally
// inconsistent with the segment header.
var ErrBadPayload = errors.New("reconstructed payload is inconsistent")

// Contents is the result of reconstructing one segment: complete blocks in
// increasing number order. Bytes of a block that continues into the next
// segment stay inside the Reconstructor until that segment arrives.
type Contents struct {
	Blocks []types.Block
}

// Reconstructor accumulates decode state across consecutive segments. It is
// restartable: when the pipeline skips a segment, it discards the instance
// and creates a fresh one seeded with the last skipped segment's header.
type Reconstructor struct {
	// nextBlockNumber is the number of the next complete block to emit.
	nextBlockNumber uint64

	// partial accumulates bytes of a block spanning segment boundaries;
	// partialExpected is its full length, 0 when no block is in progress.
	partial         []byte
	partialExpected int

	// warm is set after the first AddSegment; a cold reconstructor uses the
	// incoming header's ContinuationBytes to skip a partial tail it cannot
	// decode.
	warm bool
}

// New creates a Reconstructor positioned just after the given segment.
// Passing nil starts from genesis (before segment 0).
func New(prev *types.SegmentHeader) *Reconstructor {
	r := &Reconstructor{}
	if prev != nil {
		r.nextBlockNumber = prev.LastArchivedBlock.Number + 1
	}
	return r
}

// AddSegment decodes one segment's payload from its pieces and returns the
// complete blocks it yields. pieces must have length types.NumPieces with
// nil entries for missing pieces; any types.NumSourceRecords non-nil
// entries suffice.
func (r *Reconstructor) AddSegment(pieces []*types.Piece, header *types.SegmentHeader) (Contents, error) {
	payload, err := decodePayload(pieces)
	if err != nil {
		return Contents{}, err
	}

	offset := 0
	if !r.warm {
		// A cold start cannot decode a block begun in an earlier segment;
		// those leading bytes belong to an already-imported block anyway.
		offset = int(header.ContinuationBytes)
		if offset > len(payload) {
			return Contents{}, fmt.Errorf("%w: continuation of %d bytes exceeds payload", ErrBadPayload, offset)
		}
		r.warm = true
	}

	var blocks []types.Block

	// Finish the block carried over from the previous segment.
	if r.partialExpected > 0 {
		need := r.partialExpected - len(r.partial)
		take := min(need, len(payload)-offset)
		r.partial = append(r.partial, payload[offset:offset+take]...)
		offset += take

		if len(r.partial) == r.partialExpected {
			blocks = append(blocks, types.Block{Number: r.nextBlockNumber, Bytes: r.partial})
			r.nextBlockNumber++
			r.partial = nil
			r.partialExpected = 0
		}
	}

	for offset < len(payload) {
		if len(payload)-offset < 4 {
			// Too small for a prefix: must be zero padding.
			if !allZero(payload[offset:]) {
				return Contents{}, fmt.Errorf("%w: non-zero bytes in segment tail", ErrBadPayload)
			}
			offset = len(payload)
			break
		}

		length := int(binary.BigEndian.Uint32(payload[offset:]))
		if length == 0 {
			// Padding sentinel: rest of the segment is empty.
			if !allZero(payload[offset:]) {
				return Contents{}, fmt.Errorf("%w: non-zero bytes after padding sentinel", ErrBadPayload)
			}
			offset = len(payload)
			break
		}
		if length > types.MaxBlockSize {
			return Contents{}, fmt.Errorf("%w: block length %d exceeds maximum", ErrBadPayload, length)
		}
		offset += 4

		avail := len(payload) - offset
		if avail >= length {
			blockBytes := make([]byte, length)
			copy(blockBytes, payload[offset:offset+length])
			blocks = append(blocks, types.Block{Number: r.nextBlockNumber, Bytes: blockBytes})
			r.nextBlockNumber++
			offset += length
			continue
		}

		// Block continues into the next segment.
		r.partialExpected = length
		r.partial = make([]byte, 0, length)
		r.partial = append(r.partial, payload[offset:]...)
		offset = len(payload)
	}

	if err := r.checkConsistency(blocks, header); err != nil {
		return Contents{}, err
	}

	return Contents{Blocks: blocks}, nil
}

// checkConsistency cross-checks decoded block numbering against the
// segment header's last-archived-block record.
func (r *Reconstructor) checkConsistency(blocks []types.Block, header *types.SegmentHeader) error {
	last := header.LastArchivedBlock

	if last.Partial {
		// A block must be in progress and carry the header's number.
		if r.partialExpected == 0 && len(blocks) > 0 {
			return fmt.Errorf("%w: header claims partial last block but decode ended on a boundary", ErrBadPayload)
		}
		if r.partialExpected > 0 && r.nextBlockNumber != last.Number {
			return fmt.Errorf("%w: partial block is %d, header says %d", ErrBadPayload, r.nextBlockNumber, last.Number)
		}
		return nil
	}

	if len(blocks) > 0 {
		got := blocks[len(blocks)-1].Number
		if got != last.Number {
			return fmt.Errorf("%w: last decoded block is %d, header says %d", ErrBadPayload, got, last.Number)
		}
	}
	return nil
}

// decodePayload recovers the segment's source bytes from any
// types.NumSourceRecords usable pieces. Source records are used directly
// when all of them are present; otherwise the erasure code's inverse
// transform fills the gaps.
func decodePayload(pieces []*types.Piece) ([]byte, error) {
	if len(pieces) != types.NumPieces {
		return nil, fmt.Errorf("expected %d piece slots, got %d", types.NumPieces, len(pieces))
	}

	available := 0
	sourceMissing := false
	shards := make([][]byte, types.NumPieces)
	for i, piece := range pieces {
		if piece == nil {
			if i < types.NumSourceRecords {
				sourceMissing = true
			}
			continue
		}
		record := make([]byte, types.RecordSize)
		copy(record, piece.Record())
		shards[i] = record
		available++
	}

	if available < types.NumSourceRecords {
		return nil, fmt.Errorf("%w: have %d of %d", ErrNotEnoughPieces, available, types.NumSourceRecords)
	}

	if sourceMissing {
		enc, err := reedsolomon.New(types.NumSourceRecords, types.NumPieces-types.NumSourceRecords)
		if err != nil {
			return nil, fmt.Errorf("create erasure decoder: %w", err)
		}
		if err := enc.ReconstructData(shards); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotEnoughPieces, err)
		}
	}

	payload := make([]byte, 0, types.SegmentPayloadSize)
	for _, shard := range shards[:types.NumSourceRecords] {
		payload = append(payload, shard...)
	}
	return payload, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
