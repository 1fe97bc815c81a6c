// Package segbuild builds archived segments from block bytes. It exists so
// tests can generate known-plaintext histories; the real encoder lives on
// the archiver side of the network.
package segbuild

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/chainhaven/dsnsync/pkg/merkle"
	"github.com/chainhaven/dsnsync/pkg/types"
)

// BuiltSegment is one archived segment: its header and all NumPieces
// pieces.
type BuiltSegment struct {
	Header types.SegmentHeader
	Pieces []types.Piece
}

type rawSegment struct {
	payload []byte
	cont    uint32
	last    types.LastArchivedBlock
}

// BuildHistory archives the given encoded blocks, numbered 0..len-1, into
// erasure-coded segments with commitments and witnesses.
func BuildHistory(blocks [][]byte) ([]BuiltSegment, error) {
	raw, err := frame(blocks)
	if err != nil {
		return nil, err
	}

	built := make([]BuiltSegment, 0, len(raw))
	for i, seg := range raw {
		bs, err := encodeSegment(seg, types.SegmentIndex(i))
		if err != nil {
			return nil, fmt.Errorf("encode segment %d: %w", i, err)
		}
		built = append(built, bs)
	}
	return built, nil
}

// frame lays blocks out as length-prefixed records across fixed-size
// segment payloads. A length prefix is never split across segments: when
// fewer than 4 bytes remain, the rest of the segment is zero padding.
func frame(blocks [][]byte) ([]rawSegment, error) {
	var segs []rawSegment
	cur := rawSegment{payload: make([]byte, 0, types.SegmentPayloadSize)}

	flush := func() {
		for len(cur.payload) < types.SegmentPayloadSize {
			cur.payload = append(cur.payload, 0)
		}
		segs = append(segs, cur)
	}

	for num, blk := range blocks {
		if len(blk) == 0 {
			return nil, fmt.Errorf("block %d is empty", num)
		}
		if len(blk) > types.MaxBlockSize {
			return nil, fmt.Errorf("block %d exceeds maximum size", num)
		}

		if types.SegmentPayloadSize-len(cur.payload) < 4 {
			flush()
			cur = rawSegment{payload: make([]byte, 0, types.SegmentPayloadSize), last: cur.last}
		}

		cur.payload = binary.BigEndian.AppendUint32(cur.payload, uint32(len(blk)))
		cur.last = types.LastArchivedBlock{Number: uint64(num)}

		rem := blk
		for len(rem) > 0 {
			space := types.SegmentPayloadSize - len(cur.payload)
			if space == 0 {
				cur.last.Partial = true
				flush()
				cont := min(len(rem), types.SegmentPayloadSize)
				cur = rawSegment{
					payload: make([]byte, 0, types.SegmentPayloadSize),
					cont:    uint32(cont),
					last: types.LastArchivedBlock{
						Number:  uint64(num),
						Partial: len(rem) > types.SegmentPayloadSize,
					},
				}
				space = types.SegmentPayloadSize
			}

			n := min(space, len(rem))
			cur.payload = append(cur.payload, rem[:n]...)
			rem = rem[n:]
		}
	}

	flush()
	return segs, nil
}

func encodeSegment(raw rawSegment, index types.SegmentIndex) (BuiltSegment, error) {
	shards := make([][]byte, types.NumPieces)
	for i := 0; i < types.NumSourceRecords; i++ {
		record := make([]byte, types.RecordSize)
		copy(record, raw.payload[i*types.RecordSize:(i+1)*types.RecordSize])
		shards[i] = record
	}
	for i := types.NumSourceRecords; i < types.NumPieces; i++ {
		shards[i] = make([]byte, types.RecordSize)
	}

	enc, err := reedsolomon.New(types.NumSourceRecords, types.NumPieces-types.NumSourceRecords)
	if err != nil {
		return BuiltSegment{}, fmt.Errorf("create erasure encoder: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return BuiltSegment{}, fmt.Errorf("erasure encode: %w", err)
	}

	leaves := make([]merkle.Hash, types.NumPieces)
	for i, shard := range shards {
		leaves[i] = merkle.Leaf(shard)
	}
	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return BuiltSegment{}, fmt.Errorf("build commitment tree: %w", err)
	}

	pieces := make([]types.Piece, types.NumPieces)
	for i := range pieces {
		p := &pieces[i]
		copy(p.Record(), shards[i])
		copy(p.Commitment(), leaves[i][:])

		witness, err := tree.Witness(i)
		if err != nil {
			return BuiltSegment{}, fmt.Errorf("witness for piece %d: %w", i, err)
		}
		w := p.Witness()
		for j, h := range witness {
			copy(w[j*merkle.HashSize:], h[:])
		}
	}

	header := types.SegmentHeader{
		SegmentIndex:      index,
		SegmentCommitment: types.Commitment(tree.Root()),
		LastArchivedBlock: raw.last,
		ContinuationBytes: raw.cont,
	}

	return BuiltSegment{Header: header, Pieces: pieces}, nil
}

// MakeBlocks builds n encoded test blocks numbered 0..n-1 whose bodies are
// bodySize deterministic bytes each.
func MakeBlocks(n, bodySize int) [][]byte {
	blocks := make([][]byte, 0, n)
	for num := 0; num < n; num++ {
		body := make([]byte, bodySize)
		for i := range body {
			body[i] = byte(num + i)
		}
		header := []byte(fmt.Sprintf("header-%d", num))
		blocks = append(blocks, types.EncodeBlock(uint64(num), header, body))
	}
	return blocks
}
