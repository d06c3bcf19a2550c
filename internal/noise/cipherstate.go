package noise

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the ChaCha20-Poly1305 key size.
	KeySize = 32
	// TagSize is the Poly1305 authentication tag size.
	TagSize = 16

	// RekeyRecordLimit is the number of records a key may protect before
	// both sides derive a fresh one.
	RekeyRecordLimit = 1 << 16
	// DefaultRekeyByteLimit is the default cumulative plaintext ceiling
	// per key.
	DefaultRekeyByteLimit = 1 << 30
)

// ErrDecrypt indicates an AEAD tag mismatch.
var ErrDecrypt = errors.New("noise: decryption failed")

// rekeyNonce is the reserved nonce used to derive the next key.
const rekeyNonce = ^uint64(0)

// CipherState protects one direction of a connection: a key, a strictly
// increasing nonce, and the per-key record and byte counters that drive
// the rekey policy.
type CipherState struct {
	key   [KeySize]byte
	aead  cipher.AEAD
	nonce uint64

	recordsWithKey uint64
	bytesWithKey   uint64
	byteLimit      uint64
}

// NewCipherState creates a cipher state with the given key and a zero nonce.
func NewCipherState(key [KeySize]byte) (*CipherState, error) {
	cs := &CipherState{byteLimit: DefaultRekeyByteLimit}
	if err := cs.initializeKey(key); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *CipherState) initializeKey(key [KeySize]byte) error {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return err
	}
	cs.key = key
	cs.aead = aead
	cs.nonce = 0
	cs.recordsWithKey = 0
	cs.bytesWithKey = 0
	return nil
}

// SetByteLimit overrides the per-key plaintext ceiling. Must match on
// both endpoints, there is no in-band rekey signal.
func (cs *CipherState) SetByteLimit(limit uint64) {
	cs.byteLimit = limit
}

// nonceBytes expands the 8-byte counter into a 12-byte RFC 7539 nonce:
// four zero bytes followed by the counter in little-endian.
func nonceBytes(n uint64) []byte {
	var out [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(out[4:], n)
	return out[:]
}

// EncryptWithAd encrypts plaintext under the current nonce and increments it.
func (cs *CipherState) EncryptWithAd(ad, plaintext []byte) []byte {
	ct := cs.aead.Seal(nil, nonceBytes(cs.nonce), plaintext, ad)
	cs.nonce++
	return ct
}

// DecryptWithAd decrypts ciphertext under the current nonce and increments
// it on success. The nonce is not advanced on failure.
func (cs *CipherState) DecryptWithAd(ad, ciphertext []byte) ([]byte, error) {
	pt, err := cs.aead.Open(nil, nonceBytes(cs.nonce), ciphertext, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	cs.nonce++
	return pt, nil
}

// RecordProcessed accounts one transport record of n plaintext bytes and
// rekeys when either the record or the byte threshold is reached. Both
// endpoints call this in lockstep on their paired states.
func (cs *CipherState) RecordProcessed(n int) error {
	cs.recordsWithKey++
	cs.bytesWithKey += uint64(n)
	if cs.recordsWithKey >= RekeyRecordLimit || cs.bytesWithKey >= cs.byteLimit {
		return cs.Rekey()
	}
	return nil
}

// Rekey derives a fresh key from the current one without an on-wire
// signal: the first 32 bytes of ENCRYPT(k, 2^64-1, "", zeros[32]).
func (cs *CipherState) Rekey() error {
	var zeros [KeySize]byte
	ct := cs.aead.Seal(nil, nonceBytes(rekeyNonce), zeros[:], nil)
	var next [KeySize]byte
	copy(next[:], ct[:KeySize])
	return cs.initializeKey(next)
}
