// Package headers downloads the ordered list of segment headers that
// describes the whole archived history.
package headers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainhaven/dsnsync/pkg/dsn"
	"github.com/chainhaven/dsnsync/pkg/types"
)

// Downloader fetches segment headers from the DSN and validates their
// shape. It is a pure fetch: persisting the result is the caller's job.
type Downloader struct {
	getter dsn.HeaderGetter
	log    zerolog.Logger
}

// NewDownloader creates a Downloader over the given transport.
func NewDownloader(getter dsn.HeaderGetter, log zerolog.Logger) *Downloader {
	return &Downloader{
		getter: getter,
		log:    log.With().Str("component", "header-downloader").Logger(),
	}
}

// GetSegmentHeaders returns all segment headers in increasing segment-index
// order starting at 0, with no gaps. An empty archive yields an empty
// slice. Transport failures carry the dsn.ErrNetwork kind.
func (d *Downloader) GetSegmentHeaders(ctx context.Context) ([]types.SegmentHeader, error) {
	headers, err := d.getter.FetchSegmentHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("download segment headers: %w", err)
	}

	for i := range headers {
		if headers[i].SegmentIndex != types.SegmentIndex(i) {
			return nil, fmt.Errorf("segment header sequence broken: got segment %d at position %d",
				headers[i].SegmentIndex, i)
		}
	}

	d.log.Debug().Int("count", len(headers)).Msg("downloaded segment headers")
	return headers, nil
}
