package merkle

import "fmt"

// Sibling positions in a proof step, relative to the current hash.
const (
	PositionLeft  = "left"
	PositionRight = "right"
)

// ProofStep is one sibling entry in an inclusion proof.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"` // "left" | "right"
}

// Proof is an inclusion proof for a single leaf.
type Proof struct {
	LeafHash    string      `json:"leaf_hash"`
	Index       int         `json:"index"`
	ProofHashes []ProofStep `json:"proof_hashes"`
	RootHash    string      `json:"root_hash"`
}

// GetProof generates the inclusion proof for the leaf at index. One sibling
// entry is produced per non-root level; the position is "right" when the
// current index is even at that level, "left" otherwise.
func (l *Log) GetProof(index int) (*Proof, error) {
	if index < 0 || index >= len(l.leaves) {
		return nil, fmt.Errorf("%w: index %d, log has %d leaves", ErrIndexOutOfRange, index, len(l.leaves))
	}

	levels := buildLevels(l.leaves)
	steps := make([]ProofStep, 0, len(levels)-1)
	idx := index

	for _, level := range levels[:len(levels)-1] {
		padded := level
		if len(padded)%2 != 0 {
			padded = append(append([]string(nil), padded...), padded[len(padded)-1])
		}
		if idx%2 == 0 {
			steps = append(steps, ProofStep{Hash: padded[idx+1], Position: PositionRight})
		} else {
			steps = append(steps, ProofStep{Hash: padded[idx-1], Position: PositionLeft})
		}
		idx /= 2
	}

	return &Proof{
		LeafHash:    l.leaves[index],
		Index:       index,
		ProofHashes: steps,
		RootHash:    levels[len(levels)-1][0],
	}, nil
}

// VerifyProof recomputes the path from leafHash through the recorded
// siblings and accepts iff the result equals rootHash.
func VerifyProof(leafHash string, steps []ProofStep, rootHash string) bool {
	current := leafHash
	for _, step := range steps {
		if step.Position == PositionRight {
			current = HashPair(current, step.Hash)
		} else {
			current = HashPair(step.Hash, current)
		}
	}
	return current == rootHash
}
