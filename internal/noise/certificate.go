package noise

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

const (
	// CertificateVersion is the only certificate version issued or accepted.
	CertificateVersion uint16 = 0

	// certWireSize is the serialized certificate as sent inside the
	// second handshake message: version, valid_from, valid_to and the
	// Schnorr signature. The static key itself travels separately,
	// encrypted, earlier in the same message.
	certWireSize = 2 + 4 + 4 + 64

	// certDomainTag separates certificate digests from any other use of
	// the authority key.
	certDomainTag = "SV2-CERT"

	// certBackdate starts validity in the past to absorb clock skew
	// between the provider and its clients.
	certBackdate = time.Hour
)

var (
	// ErrCertExpired indicates the presented certificate is outside its
	// validity window.
	ErrCertExpired = errors.New("noise: certificate expired or not yet valid")
	// ErrCertSignature indicates the authority signature does not verify.
	ErrCertSignature = errors.New("noise: certificate signature invalid")
)

// Certificate binds the provider's static key to the authority key for a
// validity window.
type Certificate struct {
	Version   uint16
	ValidFrom uint32
	ValidTo   uint32
	StaticKey [32]byte
	Signature [64]byte
}

// certDigest is the domain-separated hash the authority signs:
// SHA256("SV2-CERT" || version || valid_from || valid_to || static_pub),
// integers little-endian.
func certDigest(version uint16, validFrom, validTo uint32, staticKey [32]byte) [32]byte {
	buf := make([]byte, 0, len(certDomainTag)+2+4+4+32)
	buf = append(buf, certDomainTag...)
	buf = binary.LittleEndian.AppendUint16(buf, version)
	buf = binary.LittleEndian.AppendUint32(buf, validFrom)
	buf = binary.LittleEndian.AppendUint32(buf, validTo)
	buf = append(buf, staticKey[:]...)
	return sha256.Sum256(buf)
}

// SignCertificate issues a certificate for staticKey under the authority
// key. Validity starts an hour in the past and never ends (u32 max, 2106).
func SignCertificate(authority *secp256k1.PrivateKey, staticKey [32]byte, now time.Time) (Certificate, error) {
	backdated := now.Add(-certBackdate).Unix()
	if backdated < 0 {
		backdated = 0
	}
	cert := Certificate{
		Version:   CertificateVersion,
		ValidFrom: uint32(backdated),
		ValidTo:   ^uint32(0),
		StaticKey: staticKey,
	}
	digest := certDigest(cert.Version, cert.ValidFrom, cert.ValidTo, cert.StaticKey)
	sig, err := schnorr.Sign(authority, digest[:])
	if err != nil {
		return Certificate{}, fmt.Errorf("sign certificate: %w", err)
	}
	copy(cert.Signature[:], sig.Serialize())
	return cert, nil
}

// Verify checks the validity window and the authority signature.
// authorityPub is the 32-byte x-only authority public key.
func (c Certificate) Verify(authorityPub [32]byte, now time.Time) error {
	ts := now.Unix()
	if ts < int64(c.ValidFrom) || ts > int64(c.ValidTo) {
		return ErrCertExpired
	}
	sig, err := schnorr.ParseSignature(c.Signature[:])
	if err != nil {
		return ErrCertSignature
	}
	digest := certDigest(c.Version, c.ValidFrom, c.ValidTo, c.StaticKey)
	// The x-only key leaves the y parity open; the parser wants a 33-byte
	// compressed key, so try both parities.
	for _, prefix := range []byte{0x02, 0x03} {
		pub, err := schnorr.ParsePubKey(append([]byte{prefix}, authorityPub[:]...))
		if err != nil {
			continue
		}
		if sig.Verify(digest[:], pub) {
			return nil
		}
	}
	return ErrCertSignature
}

// wireBytes serializes the certificate fields carried in the handshake.
func (c Certificate) wireBytes() []byte {
	buf := make([]byte, 0, certWireSize)
	buf = binary.LittleEndian.AppendUint16(buf, c.Version)
	buf = binary.LittleEndian.AppendUint32(buf, c.ValidFrom)
	buf = binary.LittleEndian.AppendUint32(buf, c.ValidTo)
	buf = append(buf, c.Signature[:]...)
	return buf
}

// certFromWire parses the handshake certificate blob. The static key is
// filled in by the caller from the encrypted s field.
func certFromWire(raw []byte, staticKey [32]byte) (Certificate, error) {
	if len(raw) != certWireSize {
		return Certificate{}, fmt.Errorf("certificate: expected %d bytes, got %d", certWireSize, len(raw))
	}
	var c Certificate
	c.Version = binary.LittleEndian.Uint16(raw[0:2])
	c.ValidFrom = binary.LittleEndian.Uint32(raw[2:6])
	c.ValidTo = binary.LittleEndian.Uint32(raw[6:10])
	copy(c.Signature[:], raw[10:74])
	c.StaticKey = staticKey
	return c, nil
}

// AuthorityPubKey returns the x-only public key for an authority secret.
func AuthorityPubKey(authority *secp256k1.PrivateKey) [32]byte {
	var out [32]byte
	compressed := authority.PubKey().SerializeCompressed()
	copy(out[:], compressed[1:])
	return out
}
