package chunker

import "github.com/zeebo/blake3"

// ComputeMerkleRoot builds a bottom-up binary Merkle tree over chunk
// checksums and returns the root hash. An odd element at a level is
// paired with itself, matching the convention used throughout the
// chunk-verification path.
func ComputeMerkleRoot(chunkChecksums [][32]byte) [32]byte {
	if len(chunkChecksums) == 0 {
		return [32]byte{}
	}

	level := make([][32]byte, len(chunkChecksums))
	copy(level, chunkChecksums)

	for len(level) > 1 {
		var next [][32]byte
		for i := 0; i < len(level); i += 2 {
			var combined [64]byte
			copy(combined[:32], level[i][:])
			if i+1 < len(level) {
				copy(combined[32:], level[i+1][:])
			} else {
				copy(combined[32:], level[i][:])
			}
			next = append(next, blake3.Sum256(combined[:]))
		}
		level = next
	}
	return level[0]
}
