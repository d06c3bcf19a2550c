package noise

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/curve25519"
)

// StaticKeypair is the long-lived X25519 identity of the template
// provider, persisted as a raw 32-byte secret.
type StaticKeypair struct {
	Priv [32]byte
	Pub  [32]byte
}

// GenerateStaticKeypair creates a fresh X25519 keypair from rng.
// The private key is clamped per RFC 7748.
func GenerateStaticKeypair(rng io.Reader) (StaticKeypair, error) {
	var kp StaticKeypair
	if _, err := io.ReadFull(rng, kp.Priv[:]); err != nil {
		return StaticKeypair{}, err
	}
	clamp(&kp.Priv)
	pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
	if err != nil {
		return StaticKeypair{}, err
	}
	copy(kp.Pub[:], pub)
	return kp, nil
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// dh computes X25519 Diffie-Hellman.
func dh(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// LoadOrCreateStaticKey reads the raw static secret from path, creating
// it mode 0600 on first run.
func LoadOrCreateStaticKey(path string) (StaticKeypair, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != 32 {
			return StaticKeypair{}, fmt.Errorf("static key %s: expected 32 bytes, got %d", path, len(raw))
		}
		var kp StaticKeypair
		copy(kp.Priv[:], raw)
		clamp(&kp.Priv)
		pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
		if err != nil {
			return StaticKeypair{}, err
		}
		copy(kp.Pub[:], pub)
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return StaticKeypair{}, fmt.Errorf("read static key: %w", err)
	}

	kp, err := GenerateStaticKeypair(rand.Reader)
	if err != nil {
		return StaticKeypair{}, fmt.Errorf("generate static key: %w", err)
	}
	if err := os.WriteFile(path, kp.Priv[:], 0600); err != nil {
		return StaticKeypair{}, fmt.Errorf("write static key: %w", err)
	}
	return kp, nil
}

// LoadOrCreateAuthorityKey reads the raw secp256k1 authority secret from
// path, creating it mode 0600 on first run. The authority key only signs
// certificates.
func LoadOrCreateAuthorityKey(path string) (*secp256k1.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != 32 {
			return nil, fmt.Errorf("authority key %s: expected 32 bytes, got %d", path, len(raw))
		}
		return secp256k1.PrivKeyFromBytes(raw), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read authority key: %w", err)
	}

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate authority key: %w", err)
	}
	if err := os.WriteFile(path, key.Serialize(), 0600); err != nil {
		return nil, fmt.Errorf("write authority key: %w", err)
	}
	return key, nil
}
