package types

import (
	"encoding/hex"
	"fmt"
)

// Protocol constants. These are fixed by the archive format and shared by
// every node on the network; changing any of them is a hard fork.
const (
	// NumSourceRecords is the number of source records per segment and the
	// reconstruction threshold: any NumSourceRecords pieces (source or
	// parity, in any combination) recover the full segment.
	NumSourceRecords = 128

	// NumPieces is the total number of pieces per segment. The first
	// NumSourceRecords pieces carry source records, the rest carry parity.
	NumPieces = 256

	// RecordSize is the size in bytes of the record carried by one piece.
	RecordSize = 4096

	// CommitmentSize is the size of a record commitment and of the segment
	// commitment (a hash-tree root over all record commitments).
	CommitmentSize = 32

	// WitnessSize is the size of a piece's inclusion witness: one hash per
	// tree level for NumPieces leaves.
	WitnessSize = 8 * CommitmentSize

	// PieceSize is the full size of a piece on the wire.
	PieceSize = RecordSize + CommitmentSize + WitnessSize

	// SegmentPayloadSize is the number of source bytes archived per segment.
	SegmentPayloadSize = NumSourceRecords * RecordSize
)

// PieceIndex identifies a piece by its global position across all segments.
type PieceIndex uint64

// Segment returns the index of the segment the piece belongs to.
func (i PieceIndex) Segment() SegmentIndex {
	return SegmentIndex(uint64(i) / NumPieces)
}

// Position returns the piece's position within its segment (0..NumPieces-1).
func (i PieceIndex) Position() uint32 {
	return uint32(uint64(i) % NumPieces)
}

// IsSource reports whether the piece carries a source record rather than
// parity data.
func (i PieceIndex) IsSource() bool {
	return i.Position() < NumSourceRecords
}

func (i PieceIndex) String() string {
	return fmt.Sprintf("%d", uint64(i))
}

// SegmentIndex identifies a segment of archived history. Segment 0 holds the
// genesis portion of the chain and is assumed present on every node.
type SegmentIndex uint64

// FirstPieceIndex returns the global index of the segment's piece 0.
func (s SegmentIndex) FirstPieceIndex() PieceIndex {
	return PieceIndex(uint64(s) * NumPieces)
}

// PieceIndexesSourceFirst returns all piece indexes of the segment with the
// source pieces ordered before the parity pieces. Retrieval prefers source
// pieces because they feed reconstruction without a decode step.
func (s SegmentIndex) PieceIndexesSourceFirst() []PieceIndex {
	first := s.FirstPieceIndex()
	indexes := make([]PieceIndex, 0, NumPieces)
	for pos := uint64(0); pos < NumPieces; pos++ {
		indexes = append(indexes, first+PieceIndex(pos))
	}
	return indexes
}

func (s SegmentIndex) String() string {
	return fmt.Sprintf("%d", uint64(s))
}

// Piece is a fixed-size archive unit: a record followed by the record's
// commitment and its inclusion witness against the segment commitment.
type Piece [PieceSize]byte

// Record returns the piece's record bytes.
func (p *Piece) Record() []byte {
	return p[:RecordSize]
}

// Commitment returns the piece's record commitment.
func (p *Piece) Commitment() []byte {
	return p[RecordSize : RecordSize+CommitmentSize]
}

// Witness returns the piece's inclusion witness.
func (p *Piece) Witness() []byte {
	return p[RecordSize+CommitmentSize:]
}

// Commitment is a segment commitment digest.
type Commitment [CommitmentSize]byte

// CommitmentFromHex parses a hex-encoded commitment string.
func CommitmentFromHex(s string) (Commitment, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Commitment{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != CommitmentSize {
		return Commitment{}, fmt.Errorf("expected %d bytes, got %d", CommitmentSize, len(b))
	}
	var c Commitment
	copy(c[:], b)
	return c, nil
}

// String returns the hex-encoded commitment.
func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// LastArchivedBlock describes the last source block whose bytes appear in a
// segment. Partial means the block's bytes continue into the next segment.
type LastArchivedBlock struct {
	Number  uint64
	Partial bool
}

// SegmentHeader is the immutable record describing one archived segment.
// It is produced by the archiver, downloaded in bulk before import, and
// persisted to the header store before any piece of the segment is used.
type SegmentHeader struct {
	SegmentIndex      SegmentIndex
	SegmentCommitment Commitment
	LastArchivedBlock LastArchivedBlock

	// ContinuationBytes is the number of leading payload bytes that belong
	// to a block begun in an earlier segment (0 when the segment starts at
	// a block boundary). A reconstructor created mid-history skips them.
	ContinuationBytes uint32
}

// Block is one decoded source block recovered from a segment.
type Block struct {
	Number uint64
	Bytes  []byte
}

// BlockOrigin tags a batch submitted to the import queue.
type BlockOrigin int

const (
	// OriginInitialSync marks bulk historical import batches.
	OriginInitialSync BlockOrigin = iota
	// OriginBroadcast marks the final block of the run, the join point
	// between bulk import and live sync. Submitting it with this origin
	// lets the node's regular sync take over gracefully.
	OriginBroadcast
)

// String returns a human-readable origin tag.
func (o BlockOrigin) String() string {
	switch o {
	case OriginInitialSync:
		return "initial-sync"
	case OriginBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// IncomingBlock is one block descriptor queued for import.
type IncomingBlock struct {
	Hash   [32]byte
	Number uint64
	Header []byte
	Body   []byte

	// ImportExisting allows importing a block even if the node already has
	// it, used by forced re-imports.
	ImportExisting bool
}
