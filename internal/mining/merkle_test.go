package mining

import (
	"testing"
)

func TestMerklePath_EmptyBlock(t *testing.T) {
	if path := MerklePathForCoinbase(nil); path != nil {
		t.Errorf("expected empty path for coinbase-only block, got %v", path)
	}

	// With no siblings the root is the coinbase txid itself.
	var coinbase [32]byte
	coinbase[0] = 0x42
	if root := MerkleRootFromPath(coinbase, nil); root != coinbase {
		t.Errorf("root should equal coinbase txid")
	}
}

func TestMerklePath_TwoLeaves(t *testing.T) {
	var tx [32]byte
	tx[0] = 0x01

	path := MerklePathForCoinbase([][32]byte{tx})
	if len(path) != 1 || path[0] != tx {
		t.Fatalf("single sibling path mismatch: %v", path)
	}

	var coinbase [32]byte
	coinbase[0] = 0xcc
	root := MerkleRootFromPath(coinbase, path)

	combined := append(append([]byte{}, coinbase[:]...), tx[:]...)
	want := DoubleSHA256(combined)
	if root != want {
		t.Errorf("root mismatch")
	}
}

// TestMerklePath_RootConsistency checks that folding the coinbase up the
// path agrees with building the full tree, for several block sizes
// including odd counts that force leaf duplication.
func TestMerklePath_RootConsistency(t *testing.T) {
	for _, txCount := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		txids := make([][32]byte, txCount)
		for i := range txids {
			txids[i][0] = byte(i + 1)
			txids[i][31] = 0xee
		}
		var coinbase [32]byte
		coinbase[15] = 0x99

		path := MerklePathForCoinbase(txids)
		got := MerkleRootFromPath(coinbase, path)

		want := fullTreeRoot(append([][32]byte{coinbase}, txids...))
		if got != want {
			t.Errorf("txCount=%d: path root disagrees with full tree", txCount)
		}
	}
}

func fullTreeRoot(leaves [][32]byte) [32]byte {
	level := append([][32]byte{}, leaves...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := append(append([]byte{}, level[i][:]...), level[i+1][:]...)
			next = append(next, DoubleSHA256(combined))
		}
		level = next
	}
	return level[0]
}

func TestCompactToTarget(t *testing.T) {
	// Genesis difficulty.
	target := CompactToTarget(0x1d00ffff)
	if target[3] != 0 || target[4] != 0xff || target[5] != 0xff || target[6] != 0 {
		t.Errorf("genesis target mismatch: %x", target)
	}
	if got := TargetToCompact(target); got != 0x1d00ffff {
		t.Errorf("compact round trip: %08x", got)
	}

	// Regtest's near-trivial difficulty.
	target = CompactToTarget(0x207fffff)
	if target[0] != 0x7f {
		t.Errorf("regtest target mismatch: %x", target)
	}
	if got := TargetToCompact(target); got != 0x207fffff {
		t.Errorf("compact round trip: %08x", got)
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000} {
		enc := writeVarInt(v)
		got, n, err := readVarInt(enc)
		if err != nil {
			t.Fatalf("v=%d: %v", v, err)
		}
		if got != v || n != len(enc) {
			t.Errorf("v=%d: got %d consumed %d of %d", v, got, n, len(enc))
		}
	}
}
