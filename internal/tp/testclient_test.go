package tp

import (
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Sjors/sv2-tp/internal/noise"
	"github.com/Sjors/sv2-tp/internal/sv2"
	"github.com/Sjors/sv2-tp/internal/transport"
)

// testClient is a minimal Template Distribution client: initiator
// handshake, transport framing, and synchronous send/expect helpers.
type testClient struct {
	t    *testing.T
	conn net.Conn
	tr   *transport.Transport

	// Messages decoded but not yet consumed by expect.
	pending []sv2.Message
}

// dialClient connects and completes the noise handshake.
func dialClient(t *testing.T, addr string, authorityPub [32]byte) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	initiator := noise.NewInitiator(authorityPub, rand.Reader, time.Now)
	step1, err := initiator.WriteStep1()
	if err != nil {
		t.Fatalf("handshake step 1: %v", err)
	}
	if _, err := conn.Write(step1); err != nil {
		t.Fatalf("write step 1: %v", err)
	}

	step2 := make([]byte, noise.Step2Size)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, step2); err != nil {
		t.Fatalf("read step 2: %v", err)
	}
	conn.SetReadDeadline(time.Time{})

	send, recv, err := initiator.ReadStep2(step2)
	if err != nil {
		t.Fatalf("handshake step 2: %v", err)
	}

	c := &testClient{t: t, conn: conn, tr: transport.New(send, recv, zap.NewNop())}
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) send(msg sv2.Message) {
	c.t.Helper()
	if err := c.tr.SetMessageToSend(msg); err != nil {
		c.t.Fatalf("frame %T: %v", msg, err)
	}
	if _, err := c.conn.Write(c.tr.BytesToSend()); err != nil {
		c.t.Fatalf("send %T: %v", msg, err)
	}
}

// recv returns the next message, waiting up to timeout.
func (c *testClient) recv(timeout time.Duration) (sv2.Message, error) {
	c.t.Helper()
	if len(c.pending) > 0 {
		msg := c.pending[0]
		c.pending = c.pending[1:]
		return msg, nil
	}

	buf := make([]byte, 8192)
	deadline := time.Now().Add(timeout)
	for {
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		msgs, err := c.tr.ReceivedBytes(buf[:n])
		if err != nil {
			c.t.Fatalf("client transport: %v", err)
		}
		if len(msgs) > 0 {
			c.pending = append(c.pending, msgs[1:]...)
			return msgs[0], nil
		}
	}
}

// expect receives the next message and asserts its concrete type.
func expect[T sv2.Message](c *testClient, timeout time.Duration) T {
	c.t.Helper()
	msg, err := c.recv(timeout)
	if err != nil {
		var zero T
		c.t.Fatalf("expected %T, got error: %v", zero, err)
	}
	got, ok := msg.(T)
	if !ok {
		c.t.Fatalf("expected %T, got %T: %+v", got, msg, msg)
	}
	return got
}

// expectSilence asserts no message arrives within d.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	msg, err := c.recv(d)
	if err == nil {
		c.t.Fatalf("expected silence, got %T: %+v", msg, msg)
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got: %v", err)
	}
}

// setup completes SETUP_CONNECTION with defaults and asserts success.
func (c *testClient) setup() *sv2.SetupConnectionSuccess {
	c.t.Helper()
	c.send(&sv2.SetupConnection{
		Protocol:     sv2.ProtocolTemplateDistribution,
		MinVersion:   2,
		MaxVersion:   2,
		Flags:        0,
		EndpointHost: "127.0.0.1",
		EndpointPort: 8442,
		Vendor:       "sv2-tp-test",
	})
	return expect[*sv2.SetupConnectionSuccess](c, 2*time.Second)
}

// stream sends coinbase constraints and returns the initial template pair.
func (c *testClient) stream(maxSize uint32, maxSigops uint16) (*sv2.NewTemplate, *sv2.SetNewPrevHash) {
	c.t.Helper()
	c.send(&sv2.CoinbaseOutputConstraints{MaxAdditionalSize: maxSize, MaxSigops: maxSigops})
	nt := expect[*sv2.NewTemplate](c, 2*time.Second)
	snph := expect[*sv2.SetNewPrevHash](c, 2*time.Second)
	if nt.TemplateID != snph.TemplateID {
		c.t.Fatalf("unpaired template push: %d vs %d", nt.TemplateID, snph.TemplateID)
	}
	return nt, snph
}
