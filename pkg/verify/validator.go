// Package verify proves or rejects piece authenticity against segment
// commitments.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainhaven/dsnsync/pkg/segments"
	"github.com/chainhaven/dsnsync/pkg/types"
)

// ErrInvalidProof is returned when a piece's witness does not verify
// against the segment commitment.
var ErrInvalidProof = errors.New("invalid piece proof")

// ErrUnknownSegment is returned when no header is available yet for the
// segment a piece claims to belong to.
var ErrUnknownSegment = errors.New("unknown segment")

// CommitmentVerifier checks a piece against a segment commitment.
type CommitmentVerifier interface {
	Verify(piece *types.Piece, position uint32, commitment types.Commitment) bool
}

// HeaderSource is the read-only slice of the header store the validator
// needs.
type HeaderSource interface {
	Get(ctx context.Context, index types.SegmentIndex) (*types.SegmentHeader, error)
}

// Validator validates pieces against stored segment commitments. It only
// reads from the header store and is safe for concurrent use by many
// in-flight fetches.
type Validator struct {
	headers  HeaderSource
	verifier CommitmentVerifier
	log      zerolog.Logger
}

// NewValidator creates a Validator over a header source and a commitment
// verifier.
func NewValidator(headers HeaderSource, verifier CommitmentVerifier, log zerolog.Logger) *Validator {
	return &Validator{
		headers:  headers,
		verifier: verifier,
		log:      log.With().Str("component", "piece-validator").Logger(),
	}
}

// Validate proves the piece at the given global index. Returns
// ErrUnknownSegment when the owning segment's header is missing and
// ErrInvalidProof when the witness fails verification.
func (v *Validator) Validate(ctx context.Context, piece *types.Piece, index types.PieceIndex) error {
	segIdx := index.Segment()
	header, err := v.headers.Get(ctx, segIdx)
	if err != nil {
		if errors.Is(err, segments.ErrNotFound) {
			return fmt.Errorf("%w: segment %d for piece %d", ErrUnknownSegment, segIdx, index)
		}
		return fmt.Errorf("look up segment %d header: %w", segIdx, err)
	}

	if !v.verifier.Verify(piece, index.Position(), header.SegmentCommitment) {
		v.log.Debug().
			Stringer("piece_index", index).
			Stringer("segment_index", segIdx).
			Msg("piece failed commitment verification")
		return fmt.Errorf("%w: piece %d against segment %d commitment", ErrInvalidProof, index, segIdx)
	}

	return nil
}
