package noise

import (
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// Step1Size is the initiator's handshake message: its ephemeral key.
	Step1Size = 32
	// Step2Size is the responder's handshake message: ephemeral key,
	// encrypted static key and encrypted certificate.
	Step2Size = 32 + (32 + TagSize) + (certWireSize + TagSize)
)

var (
	// ErrHandshakeMalformed indicates a handshake message of the wrong size.
	ErrHandshakeMalformed = errors.New("noise: malformed handshake message")
	// ErrHandshakeAuth indicates an AEAD or certificate signature failure.
	ErrHandshakeAuth = errors.New("noise: handshake authentication failed")
	// ErrHandshakeExpired indicates a certificate outside its validity window.
	ErrHandshakeExpired = errors.New("noise: certificate outside validity window")
)

// Responder runs the provider side of the two-message handshake. It is
// consumed by the exchange; a new one is required per connection.
type Responder struct {
	static StaticKeypair
	cert   Certificate
	rng    io.Reader

	sym           *symmetricState
	peerEphemeral [32]byte
}

// NewResponder prepares the responder role with the provider's static
// key and its authority-signed certificate.
func NewResponder(static StaticKeypair, cert Certificate, rng io.Reader) *Responder {
	return &Responder{
		static: static,
		cert:   cert,
		rng:    rng,
		sym:    newSymmetricState(),
	}
}

// ReadStep1 consumes the initiator's 32-byte ephemeral key.
func (r *Responder) ReadStep1(msg []byte) error {
	if len(msg) != Step1Size {
		return ErrHandshakeMalformed
	}
	copy(r.peerEphemeral[:], msg)
	r.sym.mixHash(msg)
	return nil
}

// WriteStep2 produces the 170-byte responder message and the transport
// cipher pair: e, ee, s, es, certificate.
func (r *Responder) WriteStep2() (msg []byte, send, recv *CipherState, err error) {
	eph, err := GenerateStaticKeypair(r.rng)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ephemeral key: %w", err)
	}

	out := make([]byte, 0, Step2Size)
	out = append(out, eph.Pub[:]...)
	r.sym.mixHash(eph.Pub[:])

	ee, err := dh(eph.Priv, r.peerEphemeral)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ee: %w", err)
	}
	if err := r.sym.mixKey(ee); err != nil {
		return nil, nil, nil, err
	}
	out = append(out, r.sym.encryptAndHash(r.static.Pub[:])...)

	es, err := dh(r.static.Priv, r.peerEphemeral)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("es: %w", err)
	}
	if err := r.sym.mixKey(es); err != nil {
		return nil, nil, nil, err
	}
	out = append(out, r.sym.encryptAndHash(r.cert.wireBytes())...)

	k1, k2, err := r.sym.split()
	if err != nil {
		return nil, nil, nil, err
	}
	if send, err = NewCipherState(k1); err != nil {
		return nil, nil, nil, err
	}
	if recv, err = NewCipherState(k2); err != nil {
		return nil, nil, nil, err
	}
	return out, send, recv, nil
}

// Initiator runs the client side of the handshake. The provider itself
// never initiates; this role exists for conformance tests and tooling.
type Initiator struct {
	authorityPub [32]byte
	rng          io.Reader
	now          func() time.Time

	sym       *symmetricState
	ephemeral StaticKeypair
}

// NewInitiator prepares the initiator role. now supplies the clock for
// the certificate validity check.
func NewInitiator(authorityPub [32]byte, rng io.Reader, now func() time.Time) *Initiator {
	return &Initiator{
		authorityPub: authorityPub,
		rng:          rng,
		now:          now,
		sym:          newSymmetricState(),
	}
}

// WriteStep1 produces the initiator's 32-byte ephemeral key message.
func (i *Initiator) WriteStep1() ([]byte, error) {
	eph, err := GenerateStaticKeypair(i.rng)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	i.ephemeral = eph
	i.sym.mixHash(eph.Pub[:])
	return eph.Pub[:], nil
}

// ReadStep2 consumes the responder's message, verifies the certificate
// against the known authority key, and returns the transport cipher pair.
func (i *Initiator) ReadStep2(msg []byte) (send, recv *CipherState, err error) {
	if len(msg) != Step2Size {
		return nil, nil, ErrHandshakeMalformed
	}

	var peerEphemeral [32]byte
	copy(peerEphemeral[:], msg[:32])
	i.sym.mixHash(peerEphemeral[:])

	ee, err := dh(i.ephemeral.Priv, peerEphemeral)
	if err != nil {
		return nil, nil, fmt.Errorf("ee: %w", err)
	}
	if err := i.sym.mixKey(ee); err != nil {
		return nil, nil, err
	}
	staticRaw, err := i.sym.decryptAndHash(msg[32 : 32+32+TagSize])
	if err != nil {
		return nil, nil, ErrHandshakeAuth
	}
	var peerStatic [32]byte
	copy(peerStatic[:], staticRaw)

	es, err := dh(i.ephemeral.Priv, peerStatic)
	if err != nil {
		return nil, nil, fmt.Errorf("es: %w", err)
	}
	if err := i.sym.mixKey(es); err != nil {
		return nil, nil, err
	}
	certRaw, err := i.sym.decryptAndHash(msg[32+32+TagSize:])
	if err != nil {
		return nil, nil, ErrHandshakeAuth
	}

	cert, err := certFromWire(certRaw, peerStatic)
	if err != nil {
		return nil, nil, ErrHandshakeMalformed
	}
	if err := cert.Verify(i.authorityPub, i.now()); err != nil {
		if errors.Is(err, ErrCertExpired) {
			return nil, nil, ErrHandshakeExpired
		}
		return nil, nil, ErrHandshakeAuth
	}

	k1, k2, err := i.sym.split()
	if err != nil {
		return nil, nil, err
	}
	// Mirror of the responder: k1 protects responder-to-initiator.
	if recv, err = NewCipherState(k1); err != nil {
		return nil, nil, err
	}
	if send, err = NewCipherState(k2); err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}
