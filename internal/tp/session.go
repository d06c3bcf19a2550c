package tp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Sjors/sv2-tp/internal/sv2"
	"github.com/Sjors/sv2-tp/internal/transport"
)

// Phase is the per-peer protocol state after the noise handshake.
type Phase int

const (
	// PhaseSetup awaits SETUP_CONNECTION.
	PhaseSetup Phase = iota
	// PhaseConstrainedWait awaits COINBASE_OUTPUT_CONSTRAINTS. May last
	// indefinitely; no templates are sent.
	PhaseConstrainedWait
	// PhaseStreaming receives template pushes and may submit solutions.
	PhaseStreaming
	// PhaseClosed is terminal.
	PhaseClosed
)

const (
	// supportedVersion is the only protocol version this provider speaks.
	supportedVersion uint16 = 2

	// sendQueueDepth bounds the per-peer outbound queue. A full queue
	// drops template broadcasts; only the latest template matters.
	sendQueueDepth = 64

	// Setup rejection codes.
	codeUnsupportedProtocol = "unsupported-protocol"
	codeVersionMismatch     = "protocol-version-mismatch"
	codeUnsupportedFlags    = "unsupported-feature-flags"
)

// errCloseSession tells the read loop to drop the connection without
// further messages.
var errCloseSession = errors.New("tp: close session")

// Session is one connected client: its socket, transport and protocol
// state. Messages arrive on the owning server's read loop; the engine
// pushes templates through the bounded send queue.
type Session struct {
	id     uint64
	conn   net.Conn
	tr     *transport.Transport
	logger *zap.Logger
	engine *Engine

	mu    sync.Mutex
	phase Phase

	// Negotiated during setup.
	flags       uint32
	constraints sv2.CoinbaseOutputConstraints

	// Templates sent to this peer and still valid for submission.
	// Written by the engine, read by the submission path.
	templates map[uint64]*TemplateRecord

	// Last template actually delivered, for redundant-push suppression
	// and the fee-delta trigger.
	lastFingerprint [32]byte
	hasFingerprint  bool
	lastSentFees    int64
	lastPrevHash    [32]byte

	sendCh chan []sv2.Message
	done   chan struct{}
	once   sync.Once

	submitLimiter *rate.Limiter
}

func newSession(id uint64, conn net.Conn, tr *transport.Transport, engine *Engine, logger *zap.Logger) *Session {
	return &Session{
		id:            id,
		conn:          conn,
		tr:            tr,
		engine:        engine,
		logger:        logger.With(zap.Uint64("client", id)),
		phase:         PhaseSetup,
		templates:     make(map[uint64]*TemplateRecord),
		sendCh:        make(chan []sv2.Message, sendQueueDepth),
		done:          make(chan struct{}),
		submitLimiter: rate.NewLimiter(100, 20),
	}
}

// ID returns the session's process-unique client id.
func (s *Session) ID() uint64 { return s.id }

// Phase returns the current protocol phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Close tears the session down. Safe to call repeatedly.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.phase = PhaseClosed
		s.mu.Unlock()
		close(s.done)
		s.conn.Close()
	})
}

// enqueue hands a message batch to the write loop without blocking. The
// batch is queued as a unit so paired frames flush together. Returns
// false when the queue is full and the batch was dropped.
func (s *Session) enqueue(msgs ...sv2.Message) bool {
	select {
	case s.sendCh <- msgs:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("send queue full, dropping broadcast",
			zap.Int("queued", len(s.sendCh)),
		)
		return false
	}
}

// writeLoop drains the send queue onto the socket. Each batch is framed
// in full before any byte hits the wire.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case batch := <-s.sendCh:
			for _, msg := range batch {
				if err := s.tr.SetMessageToSend(msg); err != nil {
					s.logger.Warn("frame message", zap.Error(err))
					s.Close()
					return
				}
			}
			if _, err := s.conn.Write(s.tr.BytesToSend()); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

// drainSends waits, bounded, for the write loop to pick up queued
// replies before the connection closes underneath them.
func (s *Session) drainSends(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(s.sendCh) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// The write loop may still hold the last batch; give its socket
	// write a moment too.
	time.Sleep(20 * time.Millisecond)
}

// handleMessage drives the phase machine for one inbound message.
// Returning errCloseSession (or any error) drops the connection.
func (s *Session) handleMessage(msg sv2.Message) error {
	switch m := msg.(type) {
	case *sv2.SetupConnection:
		return s.handleSetup(m)
	case *sv2.CoinbaseOutputConstraints:
		return s.handleConstraints(m)
	case *sv2.SubmitSolution:
		return s.handleSubmit(m)
	case *sv2.RequestTransactionData:
		return s.handleTxDataRequest(m)
	default:
		// A client echoing client-bound messages is out of protocol.
		return s.protocolViolation(fmt.Sprintf("unexpected message type 0x%02x", msg.MsgType()))
	}
}

func (s *Session) handleSetup(m *sv2.SetupConnection) error {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	if phase != PhaseSetup {
		return s.protocolViolation("SetupConnection after setup")
	}

	if m.Protocol != sv2.ProtocolTemplateDistribution {
		s.logger.Debug("rejecting setup: wrong protocol", zap.Uint8("protocol", m.Protocol))
		s.enqueue(&sv2.SetupConnectionError{Flags: m.Flags, ErrorCode: codeUnsupportedProtocol})
		return errCloseSession
	}
	if supportedVersion < m.MinVersion || supportedVersion > m.MaxVersion {
		s.logger.Debug("rejecting setup: version mismatch",
			zap.Uint16("min", m.MinVersion),
			zap.Uint16("max", m.MaxVersion),
		)
		s.enqueue(&sv2.SetupConnectionError{Flags: m.Flags, ErrorCode: codeVersionMismatch})
		return errCloseSession
	}

	s.mu.Lock()
	s.flags = m.Flags
	s.phase = PhaseConstrainedWait
	s.mu.Unlock()

	s.logger.Info("client setup complete",
		zap.String("vendor", m.Vendor),
		zap.String("device", m.DeviceID),
		zap.Uint32("flags", m.Flags),
	)
	// Flags are advisory for template distribution; echo them back.
	s.enqueue(&sv2.SetupConnectionSuccess{UsedVersion: supportedVersion, Flags: m.Flags})
	return nil
}

func (s *Session) handleConstraints(m *sv2.CoinbaseOutputConstraints) error {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()

	switch phase {
	case PhaseConstrainedWait:
		s.mu.Lock()
		s.constraints = *m
		s.phase = PhaseStreaming
		s.mu.Unlock()
		s.logger.Info("client streaming",
			zap.Uint32("max_additional_size", m.MaxAdditionalSize),
			zap.Uint16("max_sigops", m.MaxSigops),
		)
		s.engine.clientStreaming(s)
		return nil
	case PhaseStreaming:
		// Updated constraints take effect with a fresh template.
		s.mu.Lock()
		s.constraints = *m
		s.mu.Unlock()
		s.logger.Debug("client updated coinbase constraints",
			zap.Uint32("max_additional_size", m.MaxAdditionalSize),
		)
		s.engine.clientStreaming(s)
		return nil
	default:
		return s.protocolViolation("CoinbaseOutputConstraints before setup")
	}
}

func (s *Session) handleSubmit(m *sv2.SubmitSolution) error {
	if s.Phase() != PhaseStreaming {
		return s.protocolViolation("SubmitSolution before streaming")
	}
	if !s.submitLimiter.Allow() {
		s.logger.Warn("submission rate limit exceeded, dropping",
			zap.Uint64("template_id", m.TemplateID),
		)
		return nil
	}
	s.engine.submitSolution(s, m)
	return nil
}

func (s *Session) handleTxDataRequest(m *sv2.RequestTransactionData) error {
	if s.Phase() != PhaseStreaming {
		return s.protocolViolation("RequestTransactionData before streaming")
	}
	s.engine.requestTransactionData(s, m)
	return nil
}

// protocolViolation applies the pre/post-streaming error policy: before
// STREAMING the client gets a SetupConnection.Error, afterwards the
// connection just closes.
func (s *Session) protocolViolation(detail string) error {
	s.logger.Debug("protocol violation", zap.String("detail", detail))
	if s.Phase() != PhaseStreaming {
		s.enqueue(&sv2.SetupConnectionError{ErrorCode: codeUnsupportedFlags})
	}
	return errCloseSession
}

// constraintsSnapshot returns the negotiated coinbase constraints.
func (s *Session) constraintsSnapshot() sv2.CoinbaseOutputConstraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraints
}

// deliveryState returns what was last delivered to this peer.
func (s *Session) deliveryState() (fp [32]byte, delivered bool, fees int64, prevHash [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFingerprint, s.hasFingerprint, s.lastSentFees, s.lastPrevHash
}

// recordDelivery notes a successfully queued template pair.
func (s *Session) recordDelivery(fp [32]byte, fees int64, prevHash [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFingerprint = fp
	s.hasFingerprint = true
	s.lastSentFees = fees
	s.lastPrevHash = prevHash
}

// addTemplate records a template as valid for submission by this peer.
func (s *Session) addTemplate(rec *TemplateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[rec.ID] = rec
}

// lookupTemplate finds a template previously sent to this peer.
func (s *Session) lookupTemplate(id uint64) *TemplateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.templates[id]
}

// pruneTemplates drops records from other prev-hash epochs. Called after
// a SetNewPrevHash with a new hash has been queued.
func (s *Session) pruneTemplates(prevHash [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.templates {
		if rec.PrevHash != prevHash {
			delete(s.templates, id)
		}
	}
}
