package importer

import (
	"fmt"

	"github.com/chainhaven/dsnsync/pkg/types"
)

// State is the pipeline's lifecycle state for one run.
type State int

const (
	StateIdle State = iota
	StateHeadersFetched
	StateProcessingSegment
	StateDraining
	StateDone
	StateFailed
)

// String returns a human-readable pipeline state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHeadersFetched:
		return "headers-fetched"
	case StateProcessingSegment:
		return "processing-segment"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Status reports the pipeline's current progress.
type Status struct {
	State          State
	CurrentSegment types.SegmentIndex
	BlocksQueued   uint64
	BestBlock      uint64
}

// Status returns a snapshot of the pipeline's progress. Safe to call from
// other goroutines while Run is in flight.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		State:          d.state,
		CurrentSegment: d.currentSegment,
		BlocksQueued:   d.queued.Load(),
		BestBlock:      d.lastBest,
	}
}

func (d *Driver) setState(state State, segment types.SegmentIndex) {
	d.mu.Lock()
	d.state = state
	d.currentSegment = segment
	d.mu.Unlock()
	d.Metrics.SetPipelineState(state.String())
}

func (d *Driver) observeBest(best uint64) {
	d.mu.Lock()
	d.lastBest = best
	d.mu.Unlock()
	d.Metrics.SetBestBlockNumber(best)
}
