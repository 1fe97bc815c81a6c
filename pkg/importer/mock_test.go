package importer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chainhaven/dsnsync/internal/segbuild"
	"github.com/chainhaven/dsnsync/pkg/metrics"
	"github.com/chainhaven/dsnsync/pkg/retrieve"
	"github.com/chainhaven/dsnsync/pkg/types"
)

type mockHeaderDownloader struct {
	headers []types.SegmentHeader
	err     error
}

func (m *mockHeaderDownloader) GetSegmentHeaders(context.Context) ([]types.SegmentHeader, error) {
	return m.headers, m.err
}

type mockHeaderStore struct {
	mu          sync.Mutex
	added       []types.SegmentHeader
	checkpoints []types.SegmentIndex
}

func (m *mockHeaderStore) AddSegmentHeaders(_ context.Context, headers []types.SegmentHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, headers...)
	return nil
}

func (m *mockHeaderStore) SetCheckpoint(_ context.Context, index types.SegmentIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, index)
	return nil
}

// mockProvider serves pieces from a fixed map. Missing entries are misses,
// never errors. Safe for the pipeline's concurrent fetches.
type mockProvider struct {
	pieces map[types.PieceIndex]*types.Piece
	calls  atomic.Int64
}

func (m *mockProvider) GetPiece(_ context.Context, index types.PieceIndex, _ retrieve.RetryPolicy) (*types.Piece, error) {
	m.calls.Add(1)
	return m.pieces[index], nil
}

// mockChain holds the local chain: a best block number and the bytes of
// blocks the node claims to have.
type mockChain struct {
	best   atomic.Uint64
	mu     sync.Mutex
	blocks map[uint64][]byte
}

func (m *mockChain) BestBlockNumber() uint64 {
	return m.best.Load()
}

func (m *mockChain) BlockBytes(_ context.Context, number uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.blocks[number]
	if !ok {
		return nil, fmt.Errorf("block %d not in local chain", number)
	}
	return raw, nil
}

type importBatch struct {
	origin types.BlockOrigin
	blocks []types.IncomingBlock
}

// mockQueue records submitted batches. With advance set it plays the role
// of the node's import pipeline too, moving the chain's best block forward
// as batches arrive.
type mockQueue struct {
	mu      sync.Mutex
	batches []importBatch
	chain   *mockChain
	advance bool
}

func (m *mockQueue) ImportBlocks(origin types.BlockOrigin, blocks []types.IncomingBlock) {
	m.mu.Lock()
	m.batches = append(m.batches, importBatch{origin: origin, blocks: blocks})
	m.mu.Unlock()

	if m.advance && len(blocks) > 0 {
		m.chain.best.Store(blocks[len(blocks)-1].Number)
	}
}

func (m *mockQueue) allBlocks() []types.IncomingBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []types.IncomingBlock
	for _, b := range m.batches {
		all = append(all, b.blocks...)
	}
	return all
}

// countRecorder counts backpressure waits and defers everything else to the
// no-op recorder.
type countRecorder struct {
	metrics.Recorder
	backpressureWaits atomic.Int64
}

func newCountRecorder() *countRecorder {
	return &countRecorder{Recorder: metrics.Nop()}
}

func (c *countRecorder) IncBackpressureWaits() {
	c.backpressureWaits.Add(1)
}

// fixture is a complete archived history plus the piece map a provider
// serves it from.
type fixture struct {
	original [][]byte
	headers  []types.SegmentHeader
	pieces   map[types.PieceIndex]*types.Piece
}

func buildFixture(n, bodySize int) (*fixture, error) {
	original := segbuild.MakeBlocks(n, bodySize)
	built, err := segbuild.BuildHistory(original)
	if err != nil {
		return nil, err
	}

	f := &fixture{
		original: original,
		pieces:   make(map[types.PieceIndex]*types.Piece),
	}
	for i := range built {
		seg := &built[i]
		f.headers = append(f.headers, seg.Header)
		for pos := range seg.Pieces {
			index := seg.Header.SegmentIndex.FirstPieceIndex() + types.PieceIndex(pos)
			f.pieces[index] = &seg.Pieces[pos]
		}
	}
	return f, nil
}

// dropPieces removes a position range of one segment from the piece map.
func (f *fixture) dropPieces(segment types.SegmentIndex, from, to uint32) {
	for pos := from; pos < to; pos++ {
		delete(f.pieces, segment.FirstPieceIndex()+types.PieceIndex(pos))
	}
}
