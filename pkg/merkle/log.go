// Package merkle implements the append-only SHA-256 evidence log.
//
// Every evidence payload becomes a leaf; the log is reconstructable from
// the ordered leaf hashes persisted in the store, so it survives restarts.
//
// Hashing is domain separated:
//
//	leaf     = SHA256(0x00 || canonical_json(item))
//	interior = SHA256(0x01 || left_hex || right_hex)
//
// Interior hashing concatenates the ASCII-hex representations of the child
// hashes, not their raw bytes. External proof verifiers depend on this;
// do not optimise it away.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/meridian-labs/meridian/pkg/canonical"
)

// ErrIndexOutOfRange is returned by GetProof for an index outside [0, Count).
var ErrIndexOutOfRange = errors.New("merkle: proof index out of range")

// Log is the append-only Merkle log. Single writer; not safe for
// concurrent use.
type Log struct {
	leaves []string
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// HashLeaf computes the domain-separated leaf hash of an item.
func HashLeaf(item any) (string, error) {
	data, err := canonical.Bytes(item)
	if err != nil {
		return "", fmt.Errorf("merkle: hashing leaf: %w", err)
	}
	sum := sha256.Sum256(append([]byte{0x00}, data...))
	return hex.EncodeToString(sum[:]), nil
}

// HashPair computes the domain-separated interior hash of two siblings.
// The operands are the ASCII-hex child hashes.
func HashPair(left, right string) string {
	buf := make([]byte, 0, 1+len(left)+len(right))
	buf = append(buf, 0x01)
	buf = append(buf, left...)
	buf = append(buf, right...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Append hashes item as a new leaf and appends it. Returns the leaf hash.
func (l *Log) Append(item any) (string, error) {
	leaf, err := HashLeaf(item)
	if err != nil {
		return "", err
	}
	l.leaves = append(l.leaves, leaf)
	return leaf, nil
}

// AppendLeafHash appends a pre-computed leaf hash without rehashing.
// Used to seed the log from persisted hashes at startup.
func (l *Log) AppendLeafHash(leafHash string) {
	l.leaves = append(l.leaves, leafHash)
}

// RemoveLast drops the most recently appended leaf. The cycle driver uses
// it to keep indices dense when the matching database write fails.
func (l *Log) RemoveLast() {
	if len(l.leaves) > 0 {
		l.leaves = l.leaves[:len(l.leaves)-1]
	}
}

// Count returns the number of leaves.
func (l *Log) Count() int {
	return len(l.leaves)
}

// Root returns the current root hash and true, or "" and false when the
// log is empty. For a single leaf the root equals the leaf.
func (l *Log) Root() (string, bool) {
	if len(l.leaves) == 0 {
		return "", false
	}
	levels := buildLevels(l.leaves)
	top := levels[len(levels)-1]
	return top[0], true
}

// buildLevels builds the full tree bottom-up. levels[0] is the leaves,
// levels[len-1] is the single root. Odd-length levels duplicate their
// last element before pairing.
func buildLevels(leaves []string) [][]string {
	levels := [][]string{append([]string(nil), leaves...)}
	for len(levels[len(levels)-1]) > 1 {
		current := levels[len(levels)-1]
		if len(current)%2 != 0 {
			current = append(append([]string(nil), current...), current[len(current)-1])
		}
		parents := make([]string, 0, len(current)/2)
		for i := 0; i < len(current); i += 2 {
			parents = append(parents, HashPair(current[i], current[i+1]))
		}
		levels = append(levels, parents)
	}
	return levels
}
