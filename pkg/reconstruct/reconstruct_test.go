package reconstruct

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chainhaven/dsnsync/internal/segbuild"
	"github.com/chainhaven/dsnsync/pkg/types"
)

func allPieces(seg segbuild.BuiltSegment) []*types.Piece {
	pieces := make([]*types.Piece, types.NumPieces)
	for i := range seg.Pieces {
		pieces[i] = &seg.Pieces[i]
	}
	return pieces
}

// decodeAll feeds every built segment through one reconstructor and returns
// all emitted blocks.
func decodeAll(t *testing.T, built []segbuild.BuiltSegment) []types.Block {
	t.Helper()

	rec := New(nil)
	var blocks []types.Block
	for i := range built {
		contents, err := rec.AddSegment(allPieces(built[i]), &built[i].Header)
		if err != nil {
			t.Fatalf("AddSegment(%d): %v", i, err)
		}
		blocks = append(blocks, contents.Blocks...)
	}
	return blocks
}

func checkBlocks(t *testing.T, got []types.Block, want [][]byte, first uint64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("decoded %d blocks, want %d", len(got), len(want))
	}
	for i, blk := range got {
		if blk.Number != first+uint64(i) {
			t.Fatalf("block %d has number %d, want %d", i, blk.Number, first+uint64(i))
		}
		if !bytes.Equal(blk.Bytes, want[i]) {
			t.Errorf("block %d bytes differ from original", blk.Number)
		}
	}
}

func TestReconstructFullHistory(t *testing.T) {
	original := segbuild.MakeBlocks(60, 30_000)
	built, err := segbuild.BuildHistory(original)
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}
	if len(built) < 3 {
		t.Fatalf("fixture produced %d segments, want at least 3", len(built))
	}

	checkBlocks(t, decodeAll(t, built), original, 0)
}

func TestReconstructBlockSpanningSegments(t *testing.T) {
	// Each block is larger than one segment payload.
	original := segbuild.MakeBlocks(3, types.SegmentPayloadSize+100_000)
	built, err := segbuild.BuildHistory(original)
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}

	checkBlocks(t, decodeAll(t, built), original, 0)
}

func TestReconstructFromMixedPieces(t *testing.T) {
	original := segbuild.MakeBlocks(20, 20_000)
	built, err := segbuild.BuildHistory(original)
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}

	// Exactly the threshold: most source pieces plus a few parity pieces.
	pieces := allPieces(built[0])
	for i := 0; i < 10; i++ {
		pieces[i] = nil
	}
	for i := types.NumSourceRecords + 10; i < types.NumPieces; i++ {
		pieces[i] = nil
	}

	rec := New(nil)
	contents, err := rec.AddSegment(pieces, &built[0].Header)
	if err != nil {
		t.Fatalf("AddSegment: %v", err)
	}
	if len(contents.Blocks) == 0 {
		t.Fatal("no blocks decoded")
	}
	for _, blk := range contents.Blocks {
		if !bytes.Equal(blk.Bytes, original[blk.Number]) {
			t.Errorf("block %d bytes differ from original", blk.Number)
		}
	}
}

func TestReconstructBelowThreshold(t *testing.T) {
	built, err := segbuild.BuildHistory(segbuild.MakeBlocks(5, 10_000))
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}

	pieces := allPieces(built[0])
	for i := types.NumSourceRecords - 1; i < types.NumPieces; i++ {
		pieces[i] = nil
	}

	_, err = New(nil).AddSegment(pieces, &built[0].Header)
	if !errors.Is(err, ErrNotEnoughPieces) {
		t.Fatalf("AddSegment error = %v, want ErrNotEnoughPieces", err)
	}
}

func TestReconstructColdStartMidHistory(t *testing.T) {
	original := segbuild.MakeBlocks(60, 30_000)
	built, err := segbuild.BuildHistory(original)
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}
	if len(built) < 3 {
		t.Fatalf("fixture produced %d segments, want at least 3", len(built))
	}

	// Start just after segment 0, as the pipeline does after skipping it.
	prev := &built[0].Header
	first := prev.LastArchivedBlock.Number + 1

	rec := New(prev)
	var blocks []types.Block
	for i := 1; i < len(built); i++ {
		contents, err := rec.AddSegment(allPieces(built[i]), &built[i].Header)
		if err != nil {
			t.Fatalf("AddSegment(%d): %v", i, err)
		}
		blocks = append(blocks, contents.Blocks...)
	}

	checkBlocks(t, blocks, original[first:], first)
}

func TestReconstructHeaderMismatch(t *testing.T) {
	built, err := segbuild.BuildHistory(segbuild.MakeBlocks(10, 10_000))
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}

	header := built[0].Header
	header.LastArchivedBlock.Number += 5

	_, err = New(nil).AddSegment(allPieces(built[0]), &header)
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("AddSegment error = %v, want ErrBadPayload", err)
	}
}

func TestReconstructWrongSliceLength(t *testing.T) {
	_, err := New(nil).AddSegment(make([]*types.Piece, 10), &types.SegmentHeader{})
	if err == nil {
		t.Fatal("AddSegment with short piece slice succeeded, want error")
	}
}
