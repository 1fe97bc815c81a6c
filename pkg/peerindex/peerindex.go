// Package peerindex tracks which peers likely hold which pieces, using the
// approximate-membership filters peers advertise. Lookups may return false
// positives; a reported absence is authoritative.
package peerindex

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/chainhaven/dsnsync/pkg/metrics"
	"github.com/chainhaven/dsnsync/pkg/types"
)

// MaxTrackedPeers bounds the number of peers whose filters are kept. A
// churny peer set would otherwise grow the map without bound.
const MaxTrackedPeers = 50

// PeerID identifies a peer on the network.
type PeerID string

// FilterSnapshot is the wire form of a peer's advertised filter: the
// exported filter bytes plus the number of items it holds. It is consumed
// verbatim to rebuild the filter locally.
type FilterSnapshot struct {
	Values []byte `json:"values"`
	Length uint32 `json:"length"`
}

// PieceKey returns the filter key for a piece index. Advertisers and
// consumers must agree on this encoding.
func PieceKey(index types.PieceIndex) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(index))
	return key[:]
}

// Index is the per-peer availability index. All operations serialize on one
// mutex; the operation set is cheap enough that coarse locking holds up.
type Index struct {
	mu      sync.Mutex
	peers   map[PeerID]*cuckoo.Filter
	limit   int
	metrics metrics.Recorder
	log     zerolog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLimit overrides the tracked-peer bound (tests use small limits).
func WithLimit(n int) Option {
	return func(x *Index) { x.limit = n }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(x *Index) { x.metrics = rec }
}

// New creates an empty Index.
func New(log zerolog.Logger, opts ...Option) *Index {
	x := &Index{
		peers:   make(map[PeerID]*cuckoo.Filter),
		limit:   MaxTrackedPeers,
		metrics: metrics.Nop(),
		log:     log.With().Str("component", "peer-index").Logger(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Update replaces the stored filter for a peer with the advertised
// snapshot. When the tracked-peer bound is exceeded, one peer is evicted;
// the choice is drawn from a generator seeded with the updated peer's
// identity hash, so eviction is reproducible for a given churn sequence and
// not steerable through a global random source.
func (x *Index) Update(peer PeerID, snapshot FilterSnapshot) error {
	filter, err := cuckoo.Decode(snapshot.Values)
	if err != nil {
		return fmt.Errorf("decode filter snapshot from %s: %w", peer, err)
	}
	if filter.Count() != uint(snapshot.Length) {
		return fmt.Errorf("filter snapshot from %s holds %d items, advertised %d",
			peer, filter.Count(), snapshot.Length)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.peers[peer] = filter

	if len(x.peers) > x.limit {
		// Sorted candidates keep the draw independent of map iteration
		// order.
		candidates := make([]PeerID, 0, len(x.peers))
		for id := range x.peers {
			candidates = append(candidates, id)
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

		rng := rand.New(rand.NewSource(identitySeed(peer)))
		evicted := candidates[rng.Intn(len(candidates))]
		delete(x.peers, evicted)

		x.log.Debug().
			Str("peer", string(evicted)).
			Msg("evicted peer filter over tracked-peer limit")
	}

	x.metrics.SetPeersTracked(len(x.peers))
	return nil
}

// Remove drops a peer's filter, returning true if one was stored.
func (x *Index) Remove(peer PeerID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, ok := x.peers[peer]
	delete(x.peers, peer)
	x.metrics.SetPeersTracked(len(x.peers))
	return ok
}

// PeersWithPiece returns all tracked peers whose filter reports possible
// membership of the piece.
func (x *Index) PeersWithPiece(index types.PieceIndex) []PeerID {
	key := PieceKey(index)

	x.mu.Lock()
	defer x.mu.Unlock()

	var result []PeerID
	for id, filter := range x.peers {
		if filter.Lookup(key) {
			result = append(result, id)
		}
	}
	return result
}

// Len returns the number of tracked peers.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.peers)
}

// BuildSnapshot exports a filter over the given piece indexes in the wire
// snapshot form. Used by the advertising side and by tests.
func BuildSnapshot(indexes []types.PieceIndex) FilterSnapshot {
	capacity := uint(len(indexes))
	if capacity < 64 {
		capacity = 64
	}
	filter := cuckoo.NewFilter(capacity)
	for _, idx := range indexes {
		filter.Insert(PieceKey(idx))
	}
	return FilterSnapshot{
		Values: filter.Encode(),
		Length: uint32(filter.Count()),
	}
}

// identitySeed hashes a peer identity into a deterministic RNG seed.
func identitySeed(peer PeerID) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(peer))
	return int64(h.Sum64())
}
