package mining

import (
	"encoding/binary"
)

// headerSize is the serialized Bitcoin block header size.
const headerSize = 80

// SerializeHeader produces the 80-byte wire encoding of a header.
func SerializeHeader(h BlockHeader) []byte {
	out := make([]byte, 0, headerSize)
	out = binary.LittleEndian.AppendUint32(out, h.Version)
	out = append(out, h.PrevHash[:]...)
	out = append(out, h.MerkleRoot[:]...)
	out = binary.LittleEndian.AppendUint32(out, h.Timestamp)
	out = binary.LittleEndian.AppendUint32(out, h.Bits)
	out = binary.LittleEndian.AppendUint32(out, h.Nonce)
	return out
}

// BlockHash returns the block hash of a header, internal byte order.
func BlockHash(h BlockHeader) [32]byte {
	return DoubleSHA256(SerializeHeader(h))
}

// TxID hashes a serialized transaction to its txid, stripping witness
// data first so segwit transactions hash to the txid rather than the
// wtxid.
func TxID(raw []byte) [32]byte {
	return DoubleSHA256(stripWitness(raw))
}
