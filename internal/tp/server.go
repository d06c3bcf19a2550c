package tp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Sjors/sv2-tp/internal/archive"
	"github.com/Sjors/sv2-tp/internal/metrics"
	"github.com/Sjors/sv2-tp/internal/mining"
	"github.com/Sjors/sv2-tp/internal/noise"
	"github.com/Sjors/sv2-tp/internal/transport"
)

const (
	// defaultHandshakeTimeout bounds the noise handshake per connection.
	defaultHandshakeTimeout = 10 * time.Second

	// readBufferSize is the per-connection socket read chunk.
	readBufferSize = 8192

	// shutdownWait bounds waiting for in-flight node calls at shutdown.
	shutdownWait = 5 * time.Second
)

// Options configure a template provider server.
type Options struct {
	// ListenAddr is the host:port for the TCP listener.
	ListenAddr string
	// StaticKey is the provider's noise identity.
	StaticKey noise.StaticKeypair
	// Certificate is the authority-signed binding of StaticKey.
	Certificate noise.Certificate

	// Engine parameters; see EngineOptions.
	FeeCheckInterval time.Duration
	FeeDelta         int64
	NodeFailureLimit time.Duration

	// Metrics defaults to the process recorder.
	Metrics metrics.Recorder
	// Archive stores submitted blocks; nil disables archiving.
	Archive *archive.Store
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
	// Rand sources handshake ephemeral keys; nil means crypto/rand.
	Rand io.Reader
	// HandshakeTimeout defaults to 10s when zero.
	HandshakeTimeout time.Duration
}

// Server accepts Stratum v2 Template Distribution clients, runs the
// noise handshake, and hands established sessions to the engine.
type Server struct {
	opts   Options
	logger *zap.Logger
	rec    metrics.Recorder
	rng    io.Reader

	engine *Engine

	listener net.Listener
	sessions map[uint64]*Session
	mu       sync.Mutex
	nextID   atomic.Uint64

	cancel context.CancelFunc
	group  *errgroup.Group
	// runErr holds the engine's exit error after Stop.
	runErr error
}

// NewServer creates a server. The Mining implementation is shared with
// nothing else; all node calls go through the engine.
func NewServer(m mining.Mining, opts Options, logger *zap.Logger) *Server {
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Default
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.Reader
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	engine := NewEngine(m, rec, opts.Archive, EngineOptions{
		FeeCheckInterval: opts.FeeCheckInterval,
		FeeDelta:         opts.FeeDelta,
		NodeFailureLimit: opts.NodeFailureLimit,
		Now:              opts.Now,
	}, logger)

	return &Server{
		opts:     opts,
		logger:   logger,
		rec:      rec,
		rng:      rng,
		engine:   engine,
		sessions: make(map[uint64]*Session),
	}
}

// Start binds the listener and launches the accept loop and engine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	s.group = group

	s.logger.Info("template provider listening", zap.String("addr", ln.Addr().String()))

	group.Go(func() error {
		return s.engine.Run(ctx)
	})
	group.Go(func() error {
		s.acceptLoop(ctx)
		return nil
	})
	// Tear the listener down as soon as the context dies so Accept
	// unblocks.
	group.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop shuts the server down and waits for all tasks, bounded by
// shutdownWait for in-flight node calls.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.Close()
	}
	s.sessions = make(map[uint64]*Session)
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()
	select {
	case err := <-done:
		s.runErr = err
	case <-time.After(shutdownWait):
		s.logger.Warn("shutdown timed out waiting for node calls")
	}
	if s.runErr != nil && !errors.Is(s.runErr, context.Canceled) {
		return s.runErr
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("accept error", zap.Error(err))
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	s.rec.ConnOpened()
	defer s.rec.ConnClosed()

	id := s.nextID.Add(1)
	logger := s.logger.With(zap.Uint64("client", id))

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}

	tr, err := s.handshake(conn)
	if err != nil {
		// No session keys yet: close silently, never answer.
		logger.Debug("handshake failed",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		s.rec.HandshakeFailed()
		conn.Close()
		return
	}

	sess := newSession(id, conn, tr, s.engine, s.logger)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	logger.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))

	go sess.writeLoop()
	s.readLoop(ctx, sess)

	sess.Close()
	s.engine.clientClosed(sess)
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	logger.Info("client disconnected")
}

// handshake runs the responder side of the noise exchange under a
// deadline and returns the established transport.
func (s *Server) handshake(conn net.Conn) (*transport.Transport, error) {
	conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	responder := noise.NewResponder(s.opts.StaticKey, s.opts.Certificate, s.rng)

	step1 := make([]byte, noise.Step1Size)
	if _, err := io.ReadFull(conn, step1); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if err := responder.ReadStep1(step1); err != nil {
		return nil, err
	}

	step2, send, recv, err := responder.WriteStep2()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(step2); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	return transport.New(send, recv, s.logger), nil
}

// readLoop feeds socket bytes through the transport and dispatches
// messages until the connection dies or the session errors out.
func (s *Server) readLoop(ctx context.Context, sess *Session) {
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		default:
		}

		n, err := sess.conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				sess.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		msgs, err := sess.tr.ReceivedBytes(buf[:n])
		if err != nil {
			// Framing or key desync: fatal, no reply.
			sess.logger.Debug("transport failure", zap.Error(err))
			return
		}
		for _, msg := range msgs {
			if err := sess.handleMessage(msg); err != nil {
				// Let a queued error reply reach the socket first.
				sess.drainSends(time.Second)
				return
			}
		}
	}
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
