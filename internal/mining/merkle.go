package mining

import (
	"crypto/sha256"
)

// DoubleSHA256 is the Bitcoin block and transaction hash.
func DoubleSHA256(b []byte) [32]byte {
	h := sha256.Sum256(b)
	return sha256.Sum256(h[:])
}

// MerklePathForCoinbase returns the merkle path from the coinbase (leaf
// zero) to the root, given the txids of all non-coinbase transactions in
// block order. Hashes are in internal byte order.
func MerklePathForCoinbase(txids [][32]byte) [][32]byte {
	if len(txids) == 0 {
		return nil
	}

	// Leaf zero is the coinbase; its hash is unknown to the caller, so
	// track it as a hole that can never contribute to a sibling.
	leaves := make([]*[32]byte, 0, len(txids)+1)
	leaves = append(leaves, nil)
	for i := range txids {
		h := txids[i]
		leaves = append(leaves, &h)
	}

	idx := 0
	var path [][32]byte
	for len(leaves) > 1 {
		if len(leaves)%2 == 1 {
			leaves = append(leaves, leaves[len(leaves)-1])
		}
		path = append(path, *leaves[idx^1])

		next := make([]*[32]byte, 0, len(leaves)/2)
		for i := 0; i < len(leaves); i += 2 {
			if leaves[i] == nil || leaves[i+1] == nil {
				next = append(next, nil)
				continue
			}
			combined := make([]byte, 0, 64)
			combined = append(combined, leaves[i][:]...)
			combined = append(combined, leaves[i+1][:]...)
			h := DoubleSHA256(combined)
			next = append(next, &h)
		}
		idx /= 2
		leaves = next
	}
	return path
}

// MerkleRootFromPath folds a coinbase txid up the path produced by
// MerklePathForCoinbase, yielding the block merkle root.
func MerkleRootFromPath(coinbaseTxID [32]byte, path [][32]byte) [32]byte {
	root := coinbaseTxID
	for _, sibling := range path {
		combined := make([]byte, 0, 64)
		combined = append(combined, root[:]...)
		combined = append(combined, sibling[:]...)
		root = DoubleSHA256(combined)
	}
	return root
}
