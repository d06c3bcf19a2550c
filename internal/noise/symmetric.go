package noise

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ProtocolName is mixed into the initial handshake hash. The responder
// authenticates via a signed certificate, the initiator stays anonymous.
const ProtocolName = "Noise_NX_25519_ChaChaPoly_SHA256"

// symmetricState holds the chaining key, the transcript hash and the
// handshake cipher. It lives only for the duration of a handshake.
type symmetricState struct {
	ck [KeySize]byte
	h  [KeySize]byte

	cipher *CipherState
	hasKey bool
}

func newSymmetricState() *symmetricState {
	s := &symmetricState{}
	// h = SHA256(protocol_name); the 32-byte name is hashed, not copied
	// in as-is.
	s.h = sha256.Sum256([]byte(ProtocolName))
	s.ck = s.h
	s.mixHash(nil) // empty prologue
	return s
}

// mixHash absorbs data into the transcript: h = SHA256(h || data).
func (s *symmetricState) mixHash(data []byte) {
	hasher := sha256.New()
	hasher.Write(s.h[:])
	hasher.Write(data)
	copy(s.h[:], hasher.Sum(nil))
}

// hkdf2 is the Noise HKDF producing two 32-byte outputs with the
// chaining key as salt.
func hkdf2(chainingKey [KeySize]byte, input []byte) (out1, out2 [KeySize]byte, err error) {
	r := hkdf.New(sha256.New, input, chainingKey[:], nil)
	if _, err = io.ReadFull(r, out1[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, out2[:])
	return
}

// mixKey ratchets the chaining key with new DH input and arms the
// handshake cipher with the derived temporary key.
func (s *symmetricState) mixKey(input []byte) error {
	ck, temp, err := hkdf2(s.ck, input)
	if err != nil {
		return err
	}
	s.ck = ck
	cs, err := NewCipherState(temp)
	if err != nil {
		return err
	}
	s.cipher = cs
	s.hasKey = true
	return nil
}

// encryptAndHash encrypts plaintext with the transcript as associated
// data, then absorbs the ciphertext.
func (s *symmetricState) encryptAndHash(plaintext []byte) []byte {
	if !s.hasKey {
		s.mixHash(plaintext)
		return plaintext
	}
	ct := s.cipher.EncryptWithAd(s.h[:], plaintext)
	s.mixHash(ct)
	return ct
}

// decryptAndHash is the inverse of encryptAndHash. The transcript is
// advanced only when the tag verifies.
func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	pt, err := s.cipher.DecryptWithAd(s.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the two transport keys. k1 is the responder's send key
// and the initiator's receive key; k2 the reverse.
func (s *symmetricState) split() (k1, k2 [KeySize]byte, err error) {
	return hkdf2(s.ck, nil)
}
