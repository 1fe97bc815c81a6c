package importer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainhaven/dsnsync/pkg/types"
)

// newTestDriver wires a driver over the fixture. The chain starts with
// every block of segment 0 imported, which is the weakest state the
// pipeline supports.
func newTestDriver(f *fixture, advance bool) (*Driver, *mockChain, *mockQueue, *mockHeaderStore) {
	chain := &mockChain{blocks: make(map[uint64][]byte)}
	chain.best.Store(f.headers[0].LastArchivedBlock.Number)
	for n := uint64(0); n <= f.headers[0].LastArchivedBlock.Number; n++ {
		chain.blocks[n] = f.original[n]
	}

	queue := &mockQueue{chain: chain, advance: advance}
	store := &mockHeaderStore{}

	d := &Driver{
		Headers: &mockHeaderDownloader{headers: f.headers},
		Store:   store,
		Pieces:  &mockProvider{pieces: f.pieces},
		Chain:   chain,
		Queue:   queue,
		Log:     zerolog.Nop(),
	}
	return d, chain, queue, store
}

func checkImported(t *testing.T, f *fixture, queue *mockQueue, first uint64) {
	t.Helper()

	all := queue.allBlocks()
	want := uint64(len(f.original)) - first
	if uint64(len(all)) != want {
		t.Fatalf("queued %d blocks, want %d", len(all), want)
	}
	for i, blk := range all {
		number := first + uint64(i)
		if blk.Number != number {
			t.Fatalf("position %d holds block %d, want %d", i, blk.Number, number)
		}
		decoded, err := types.DecodeBlock(f.original[number])
		if err != nil {
			t.Fatalf("decode original block %d: %v", number, err)
		}
		if !bytes.Equal(blk.Header, decoded.Header) || !bytes.Equal(blk.Body, decoded.Body) {
			t.Errorf("block %d bytes differ from original", number)
		}
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	last := queue.batches[len(queue.batches)-1]
	if last.origin != types.OriginBroadcast {
		t.Errorf("final batch origin = %v, want OriginBroadcast", last.origin)
	}
	if len(last.blocks) != 1 {
		t.Errorf("final batch holds %d blocks, want 1", len(last.blocks))
	}
	for _, b := range queue.batches[:len(queue.batches)-1] {
		if b.origin != types.OriginInitialSync {
			t.Errorf("non-final batch origin = %v, want OriginInitialSync", b.origin)
		}
	}
}

func TestRunImportsFullHistory(t *testing.T) {
	f, err := buildFixture(60, 30_000)
	if err != nil {
		t.Fatalf("buildFixture: %v", err)
	}
	d, _, queue, store := newTestDriver(f, true)

	first := f.headers[0].LastArchivedBlock.Number + 1
	total, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := uint64(len(f.original)) - first; total != want {
		t.Errorf("Run reported %d blocks, want %d", total, want)
	}

	checkImported(t, f, queue, first)

	if len(store.added) != len(f.headers) {
		t.Errorf("persisted %d headers, want %d", len(store.added), len(f.headers))
	}
	if len(store.checkpoints) == 0 {
		t.Fatal("no checkpoints recorded")
	}
	if got := store.checkpoints[len(store.checkpoints)-1]; got != f.headers[len(f.headers)-1].SegmentIndex {
		t.Errorf("final checkpoint = %d, want last segment", got)
	}

	if status := d.Status(); status.State != StateDone {
		t.Errorf("final state = %v, want done", status.State)
	}
}

func TestRunIsIdempotentWhenChainIsAhead(t *testing.T) {
	f, err := buildFixture(40, 30_000)
	if err != nil {
		t.Fatalf("buildFixture: %v", err)
	}
	d, chain, queue, _ := newTestDriver(f, false)
	chain.best.Store(uint64(len(f.original) - 1))

	total, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if total != 0 {
		t.Errorf("Run reported %d blocks, want 0", total)
	}
	if len(queue.allBlocks()) != 0 {
		t.Errorf("queue received %d blocks, want 0", len(queue.allBlocks()))
	}
}

func TestRunRecoversFromMissingSourcePieces(t *testing.T) {
	f, err := buildFixture(60, 30_000)
	if err != nil {
		t.Fatalf("buildFixture: %v", err)
	}
	// Every segment loses half its source pieces; parity must fill in.
	for _, h := range f.headers {
		f.dropPieces(h.SegmentIndex, 0, types.NumSourceRecords/2)
	}

	d, _, queue, _ := newTestDriver(f, true)
	first := f.headers[0].LastArchivedBlock.Number + 1

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkImported(t, f, queue, first)
}

func TestRunFailsBelowReconstructionThreshold(t *testing.T) {
	f, err := buildFixture(40, 30_000)
	if err != nil {
		t.Fatalf("buildFixture: %v", err)
	}
	// Segment 1 keeps only threshold-1 pieces.
	f.dropPieces(f.headers[1].SegmentIndex, 0, types.NumPieces-(types.NumSourceRecords-1))

	d, _, _, _ := newTestDriver(f, true)
	if _, err := d.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded with too few pieces")
	}
	if status := d.Status(); status.State != StateFailed {
		t.Errorf("final state = %v, want failed", status.State)
	}
}

func TestRunValidatesOverlappingBlocks(t *testing.T) {
	f, err := buildFixture(60, 30_000)
	if err != nil {
		t.Fatalf("buildFixture: %v", err)
	}
	d, chain, queue, _ := newTestDriver(f, true)

	// The node is three blocks ahead of segment 0 and agrees with the
	// archive about them.
	first := f.headers[0].LastArchivedBlock.Number + 1
	for n := first; n < first+3; n++ {
		chain.blocks[n] = f.original[n]
	}
	chain.best.Store(first + 2)

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkImported(t, f, queue, first+3)
}

func TestRunDetectsChainMismatch(t *testing.T) {
	f, err := buildFixture(60, 30_000)
	if err != nil {
		t.Fatalf("buildFixture: %v", err)
	}
	d, chain, _, _ := newTestDriver(f, true)

	// The node claims a block the archive disagrees with.
	first := f.headers[0].LastArchivedBlock.Number + 1
	chain.blocks[first] = []byte("a different chain entirely")
	chain.best.Store(first)

	_, err = d.Run(context.Background())
	if !errors.Is(err, ErrChainMismatch) {
		t.Fatalf("Run error = %v, want ErrChainMismatch", err)
	}
	if status := d.Status(); status.State != StateFailed {
		t.Errorf("final state = %v, want failed", status.State)
	}
}

func TestRunBackpressurePausesAndResumes(t *testing.T) {
	f, err := buildFixture(60, 30_000)
	if err != nil {
		t.Fatalf("buildFixture: %v", err)
	}
	d, _, queue, _ := newTestDriver(f, true)
	d.QueuedBlocksLimit = 4
	d.WaitForBlocks = time.Millisecond

	rec := newCountRecorder()
	d.Metrics = rec

	first := f.headers[0].LastArchivedBlock.Number + 1
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkImported(t, f, queue, first)

	if rec.backpressureWaits.Load() == 0 {
		t.Error("no backpressure waits recorded under a tiny queue limit")
	}
}

func TestRunBackpressureHonorsCancellation(t *testing.T) {
	f, err := buildFixture(60, 30_000)
	if err != nil {
		t.Fatalf("buildFixture: %v", err)
	}
	// The queue never advances the chain, so backpressure never clears.
	d, _, _, _ := newTestDriver(f, false)
	d.QueuedBlocksLimit = 2
	d.WaitForBlocks = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = d.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want DeadlineExceeded", err)
	}
}

func TestRunEmptyArchive(t *testing.T) {
	d := &Driver{
		Headers: &mockHeaderDownloader{},
		Store:   &mockHeaderStore{},
		Pieces:  &mockProvider{},
		Chain:   &mockChain{},
		Queue:   &mockQueue{},
		Log:     zerolog.Nop(),
	}

	total, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if total != 0 {
		t.Errorf("Run reported %d blocks, want 0", total)
	}
	if status := d.Status(); status.State != StateDone {
		t.Errorf("final state = %v, want done", status.State)
	}
}

func TestRunHeaderDownloadFailure(t *testing.T) {
	d := &Driver{
		Headers: &mockHeaderDownloader{err: errors.New("gateway unreachable")},
		Store:   &mockHeaderStore{},
		Pieces:  &mockProvider{},
		Chain:   &mockChain{},
		Queue:   &mockQueue{},
		Log:     zerolog.Nop(),
	}

	if _, err := d.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded with failing header download")
	}
	if status := d.Status(); status.State != StateFailed {
		t.Errorf("final state = %v, want failed", status.State)
	}
}
