// Package retrieve fetches individual pieces from the network and filters
// out anything that fails validation.
package retrieve

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainhaven/dsnsync/pkg/dsn"
	"github.com/chainhaven/dsnsync/pkg/metrics"
	"github.com/chainhaven/dsnsync/pkg/types"
)

// RetryPolicy bounds extra fetch attempts within one GetPiece call.
type RetryPolicy struct {
	extra int
}

// Limited allows n extra attempts after the primary one. Bulk import uses
// Limited(0): the pipeline over-provisions concurrent requests and treats a
// miss as "try another slot" instead of retrying inside one call.
func Limited(n int) RetryPolicy {
	if n < 0 {
		n = 0
	}
	return RetryPolicy{extra: n}
}

// Attempts returns the total number of fetch attempts the policy allows.
func (p RetryPolicy) Attempts() int {
	return p.extra + 1
}

// PieceValidator proves or rejects a fetched piece.
type PieceValidator interface {
	Validate(ctx context.Context, piece *types.Piece, index types.PieceIndex) error
}

// Provider fetches pieces and returns only those that validate. A
// validation failure is treated exactly like a miss so untrusted peers
// cannot poison reconstruction, but it is logged and counted separately.
type Provider struct {
	getter    dsn.PieceGetter
	validator PieceValidator
	metrics   metrics.Recorder
	log       zerolog.Logger
}

// NewProvider creates a Provider. A nil recorder disables metrics.
func NewProvider(getter dsn.PieceGetter, validator PieceValidator, rec metrics.Recorder, log zerolog.Logger) *Provider {
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Provider{
		getter:    getter,
		validator: validator,
		metrics:   rec,
		log:       log.With().Str("component", "piece-provider").Logger(),
	}
}

// GetPiece fetches the piece at the given index. It returns (nil, nil) when
// no attempt produced a usable piece, and an error only for transport
// failures on the final attempt. It never blocks beyond the transport's own
// timeout per attempt.
func (p *Provider) GetPiece(ctx context.Context, index types.PieceIndex, policy RetryPolicy) (*types.Piece, error) {
	attempts := policy.Attempts()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		piece, err := p.getter.FetchPiece(ctx, index)
		if err != nil {
			lastErr = err
			p.metrics.IncPieceFetchErrors()
			p.log.Trace().
				Err(err).
				Stringer("piece_index", index).
				Int("attempt", attempt).
				Msg("piece request failed")
			continue
		}
		if piece == nil {
			p.metrics.IncPieceMisses()
			continue
		}

		if err := p.validator.Validate(ctx, piece, index); err != nil {
			// Unusable data counts as a miss, never as success.
			p.metrics.IncPiecesInvalid()
			p.log.Debug().
				Err(err).
				Stringer("piece_index", index).
				Msg("fetched piece rejected by validator")
			continue
		}

		p.metrics.IncPiecesFetched(1)
		return piece, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("piece %d: %w", index, lastErr)
	}
	return nil, nil
}
