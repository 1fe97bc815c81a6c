package verify

import (
	"bytes"

	"github.com/chainhaven/dsnsync/pkg/merkle"
	"github.com/chainhaven/dsnsync/pkg/types"
)

// MerkleVerifier is the production CommitmentVerifier: the segment
// commitment is a hash-tree root over all record commitments, and each
// piece carries its record commitment plus the sibling path.
type MerkleVerifier struct{}

// Verify checks that the piece's record hashes to its embedded commitment
// and that the witness links that commitment to the segment commitment at
// the claimed position.
func (MerkleVerifier) Verify(piece *types.Piece, position uint32, commitment types.Commitment) bool {
	if position >= types.NumPieces {
		return false
	}

	leaf := merkle.Leaf(piece.Record())
	if !bytes.Equal(leaf[:], piece.Commitment()) {
		return false
	}

	witness := piece.Witness()
	path := make([]merkle.Hash, 0, types.WitnessSize/merkle.HashSize)
	for off := 0; off < types.WitnessSize; off += merkle.HashSize {
		var h merkle.Hash
		copy(h[:], witness[off:off+merkle.HashSize])
		path = append(path, h)
	}

	return merkle.VerifyWitness(leaf, int(position), path, merkle.Hash(commitment))
}
