package tp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/Sjors/sv2-tp/internal/archive"
	"github.com/Sjors/sv2-tp/internal/metrics"
	"github.com/Sjors/sv2-tp/internal/mining"
	"github.com/Sjors/sv2-tp/internal/sv2"
)

const (
	// templatePruneGrace delays pruning after a tip change so clients
	// get a chance to submit against the replaced tip.
	templatePruneGrace = 10 * time.Second

	// backoff bounds for node unavailability.
	nodeRetryMin = time.Second
	nodeRetryMax = time.Minute

	// Transaction data error codes.
	codeTemplateNotFound = "template-id-not-found"
	codeStaleTemplate    = "stale-template-id"
)

// TemplateRecord tracks one template sent to a client, kept for
// submission and transaction data lookups until its prev-hash epoch ends.
type TemplateRecord struct {
	ID       uint64
	PrevHash [32]byte
	Coinbase mining.CoinbaseTemplate
	Template mining.BlockTemplate
	Fees     int64
	OwnerID  uint64
	Height   int64
}

// EngineOptions parameterize the template engine.
type EngineOptions struct {
	// FeeCheckInterval is how often fee improvements are considered.
	FeeCheckInterval time.Duration
	// FeeDelta is the minimum fee improvement (sat) worth a new template.
	FeeDelta int64
	// NodeFailureLimit is how long the node may stay unavailable before
	// the engine gives up.
	NodeFailureLimit time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// engineEvent carries work from connection goroutines into the engine loop.
type engineEvent struct {
	kind   eventKind
	sess   *Session
	submit *sv2.SubmitSolution
	txReq  *sv2.RequestTransactionData
}

type eventKind int

const (
	evStreaming eventKind = iota
	evClosed
	evSubmit
	evTxData
	evNodeDown
)

// Engine owns the Mining interface and all template state. Every
// blocking node call happens on its loop or its tip watcher; broadcasts
// to peers are serialized, so all peers see template N before any peer
// sees N+1.
type Engine struct {
	mining mining.Mining
	logger *zap.Logger
	rec    metrics.Recorder
	arch   *archive.Store

	feeInterval time.Duration
	feeDelta    int64
	failLimit   time.Duration
	now         func() time.Time

	events chan engineEvent
	quit   chan struct{}
	fatal  chan error

	// Engine-loop state. Only the Run goroutine touches these.
	templateID    uint64
	templates     map[uint64]*TemplateRecord
	clients       map[uint64]*Session
	bestPrevHash  [32]byte
	haveBest      bool
	lastBlockTime time.Time
	tipHeight     int64
}

// NewEngine creates a template engine. arch may be nil to disable the
// solved-block archive.
func NewEngine(m mining.Mining, rec metrics.Recorder, arch *archive.Store, opts EngineOptions, logger *zap.Logger) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		mining:      m,
		logger:      logger.Named("engine"),
		rec:         rec,
		arch:        arch,
		feeInterval: opts.FeeCheckInterval,
		feeDelta:    opts.FeeDelta,
		failLimit:   opts.NodeFailureLimit,
		now:         now,
		events:      make(chan engineEvent, 256),
		quit:        make(chan struct{}),
		fatal:       make(chan error, 1),
		templates:   make(map[uint64]*TemplateRecord),
		clients:     make(map[uint64]*Session),
	}
}

// Run drives the engine until ctx is cancelled or the node stays
// unavailable past the failure limit.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.quit)

	ticker := time.NewTicker(e.feeInterval)
	defer ticker.Stop()

	tipCh := make(chan mining.BlockRef, 1)
	go e.watchTips(ctx, tipCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-e.fatal:
			e.closeAllClients()
			return err
		case ref := <-tipCh:
			e.handleTipChange(ctx, ref)
		case <-ticker.C:
			e.feeCheck(ctx)
			e.pruneGlobal()
		case ev := <-e.events:
			e.handleEvent(ctx, ev)
		}
	}
}

// clientStreaming notifies the engine that a session entered STREAMING
// (or updated its constraints) and needs the current best template.
func (e *Engine) clientStreaming(s *Session) {
	e.send(engineEvent{kind: evStreaming, sess: s})
}

// clientClosed releases all engine state owned by a session.
func (e *Engine) clientClosed(s *Session) {
	e.send(engineEvent{kind: evClosed, sess: s})
}

// submitSolution forwards a solution in receipt order.
func (e *Engine) submitSolution(s *Session, m *sv2.SubmitSolution) {
	e.send(engineEvent{kind: evSubmit, sess: s, submit: m})
}

// requestTransactionData forwards a transaction data request.
func (e *Engine) requestTransactionData(s *Session, m *sv2.RequestTransactionData) {
	e.send(engineEvent{kind: evTxData, sess: s, txReq: m})
}

func (e *Engine) send(ev engineEvent) {
	select {
	case e.events <- ev:
	case <-e.quit:
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev engineEvent) {
	switch ev.kind {
	case evStreaming:
		e.clients[ev.sess.ID()] = ev.sess
		e.push(ctx, ev.sess, true)
	case evClosed:
		delete(e.clients, ev.sess.ID())
		for id, rec := range e.templates {
			if rec.OwnerID == ev.sess.ID() {
				delete(e.templates, id)
			}
		}
	case evSubmit:
		e.handleSubmit(ctx, ev.sess, ev.submit)
	case evTxData:
		e.handleTxDataRequest(ev.sess, ev.txReq)
	case evNodeDown:
		e.logger.Warn("node unavailable, dropping all clients")
		e.closeAllClients()
	}
}

func (e *Engine) handleTipChange(ctx context.Context, ref mining.BlockRef) {
	e.logger.Info("tip changed",
		zap.Int64("height", ref.Height),
		zap.String("hash", fmt.Sprintf("%x", ref.Hash)),
	)
	e.tipHeight = ref.Height
	for _, s := range e.sortedClients() {
		e.push(ctx, s, true)
	}
}

func (e *Engine) feeCheck(ctx context.Context) {
	for _, s := range e.sortedClients() {
		e.push(ctx, s, false)
	}
}

// sortedClients returns streaming sessions in client id order so
// broadcast order is deterministic.
func (e *Engine) sortedClients() []*Session {
	out := make([]*Session, 0, len(e.clients))
	for _, s := range e.clients {
		out = append(out, s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID() > out[j].ID(); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// push builds a template for one client and delivers it when it is a
// meaningful improvement: a new prev-hash, or fees up by the configured
// delta. mandatory skips the fee-delta check.
func (e *Engine) push(ctx context.Context, s *Session, mandatory bool) {
	constraints := s.constraintsSnapshot()
	opts := mining.BlockCreateOptions{
		UseMempool:                        true,
		BlockReservedWeight:               mining.ReservedWeightFor(constraints.MaxAdditionalSize),
		CoinbaseOutputMaxAdditionalSigops: constraints.MaxSigops,
	}
	tmpl, err := e.mining.CreateNewBlock(ctx, opts)
	if err != nil {
		e.logger.Warn("create block failed", zap.Error(err), zap.Uint64("client", s.ID()))
		return
	}
	if tmpl == nil {
		return
	}

	header := tmpl.Header()
	fees := tmpl.TotalFees()
	fp := fingerprint(header.PrevHash, tmpl)

	lastFP, delivered, lastFees, lastPrev := s.deliveryState()
	if delivered {
		if fp == lastFP {
			return
		}
		newEpoch := header.PrevHash != lastPrev
		if !mandatory && !newEpoch && fees-lastFees < e.feeDelta {
			return
		}
	}

	id, ok := e.nextTemplateID()
	if !ok {
		return
	}

	rec := &TemplateRecord{
		ID:       id,
		PrevHash: header.PrevHash,
		Coinbase: tmpl.Coinbase(),
		Template: tmpl,
		Fees:     fees,
		OwnerID:  s.ID(),
		Height:   e.tipHeight + 1,
	}
	e.templates[id] = rec
	s.addTemplate(rec)

	cb := rec.Coinbase
	nt := &sv2.NewTemplate{
		TemplateID:               id,
		FutureTemplate:           false,
		Version:                  header.Version,
		CoinbaseTxVersion:        cb.Version,
		CoinbasePrefix:           cb.ScriptSigPrefix,
		CoinbaseTxInputSequence:  cb.InputSequence,
		CoinbaseTxValueRemaining: uint64(cb.ValueRemaining),
		CoinbaseTxOutputsCount:   cb.RequiredOutputCount,
		CoinbaseTxOutputs:        cb.RequiredOutputs,
		CoinbaseTxLocktime:       cb.LockTime,
		MerklePath:               tmpl.MerklePath(),
	}
	snph := &sv2.SetNewPrevHash{
		TemplateID:      id,
		PrevHash:        header.PrevHash,
		HeaderTimestamp: header.Timestamp,
		NBits:           header.Bits,
		Target:          tmpl.Target(),
	}

	// Both frames queue as one batch so nothing interleaves between them.
	if !s.enqueue(nt, snph) {
		// The peer sees the next broadcast instead; only the latest
		// template matters.
		delete(e.templates, id)
		return
	}

	s.pruneTemplates(header.PrevHash)
	s.recordDelivery(fp, fees, header.PrevHash)

	if !e.haveBest || header.PrevHash != e.bestPrevHash {
		e.bestPrevHash = header.PrevHash
		e.haveBest = true
		e.lastBlockTime = e.now()
	}

	e.rec.TemplateSent()
	e.logger.Debug("sent template",
		zap.Uint64("template_id", id),
		zap.Uint64("client", s.ID()),
		zap.Int64("fees", fees),
	)
}

// nextTemplateID returns the next monotonic id, starting at 1. Zero is
// reserved. At the (practically unreachable) counter ceiling it refuses
// to issue further ids rather than wrap.
func (e *Engine) nextTemplateID() (uint64, bool) {
	if e.templateID == math.MaxUint64 {
		e.logger.Error("template id counter saturated")
		return 0, false
	}
	e.templateID++
	return e.templateID, true
}

func (e *Engine) handleSubmit(ctx context.Context, s *Session, m *sv2.SubmitSolution) {
	rec := s.lookupTemplate(m.TemplateID)
	if rec == nil {
		// Stratum v2 defines no solution error message; log and drop.
		e.logger.Warn("solution for unknown template",
			zap.Uint64("template_id", m.TemplateID),
			zap.Uint64("client", s.ID()),
		)
		e.rec.SolutionSubmitted(metrics.SubmitUnknownTemplate)
		return
	}

	accepted, err := rec.Template.SubmitSolution(ctx, m.Version, m.HeaderTimestamp, m.HeaderNonce, m.CoinbaseTx)
	switch {
	case err != nil:
		e.logger.Error("submit solution failed",
			zap.Uint64("template_id", m.TemplateID),
			zap.Error(err),
		)
		e.rec.SolutionSubmitted(metrics.SubmitError)
	case accepted:
		e.logger.Info("block solution accepted",
			zap.Uint64("template_id", m.TemplateID),
			zap.Uint64("client", s.ID()),
			zap.Int64("height", rec.Height),
		)
		e.rec.SolutionSubmitted(metrics.SubmitOK)
	default:
		e.logger.Warn("block solution rejected by node",
			zap.Uint64("template_id", m.TemplateID),
			zap.Uint64("client", s.ID()),
		)
		e.rec.SolutionSubmitted(metrics.SubmitRejected)
	}

	// Keep the record: another miner may solve the same template, and
	// the operator may want the losing block too.
	e.archiveSolution(rec, m, accepted)
}

func (e *Engine) archiveSolution(rec *TemplateRecord, m *sv2.SubmitSolution, submitted bool) {
	if e.arch == nil {
		return
	}
	header := rec.Template.Header()
	header.Version = m.Version
	header.Timestamp = m.HeaderTimestamp
	header.Nonce = m.HeaderNonce
	header.MerkleRoot = mining.MerkleRootFromPath(mining.TxID(m.CoinbaseTx), rec.Template.MerklePath())

	record := archive.BlockRecord{
		Hash:       mining.BlockHash(header),
		TemplateID: rec.ID,
		Height:     rec.Height,
		Version:    m.Version,
		PrevHash:   rec.PrevHash,
		Timestamp:  m.HeaderTimestamp,
		Nonce:      m.HeaderNonce,
		CoinbaseTx: m.CoinbaseTx,
		TxCount:    len(rec.Template.Transactions()) + 1,
		Submitted:  submitted,
		ReceivedAt: e.now().Unix(),
	}
	if err := e.arch.SaveBlock(record); err != nil {
		e.logger.Warn("archive block failed", zap.Error(err))
	}
}

func (e *Engine) handleTxDataRequest(s *Session, m *sv2.RequestTransactionData) {
	e.rec.TxDataRequest()

	rec, known := e.templates[m.TemplateID]
	if !known {
		s.enqueue(&sv2.RequestTransactionDataError{TemplateID: m.TemplateID, ErrorCode: codeTemplateNotFound})
		return
	}
	if e.haveBest && rec.PrevHash != e.bestPrevHash {
		s.enqueue(&sv2.RequestTransactionDataError{TemplateID: m.TemplateID, ErrorCode: codeStaleTemplate})
		return
	}

	txs := rec.Template.Transactions()
	list := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		list = append(list, tx.Raw)
	}
	s.enqueue(&sv2.RequestTransactionDataSuccess{
		TemplateID:      m.TemplateID,
		TransactionList: list,
	})
}

// pruneGlobal drops templates from dead prev-hash epochs once the grace
// period after the last tip change has passed.
func (e *Engine) pruneGlobal() {
	if !e.haveBest || e.now().Sub(e.lastBlockTime) < templatePruneGrace {
		return
	}
	for id, rec := range e.templates {
		if rec.PrevHash != e.bestPrevHash {
			delete(e.templates, id)
		}
	}
}

func (e *Engine) closeAllClients() {
	for id, s := range e.clients {
		s.Close()
		delete(e.clients, id)
	}
	e.templates = make(map[uint64]*TemplateRecord)
}

// watchTips owns the blocking tip-change wait. On node failure it backs
// off exponentially and drops clients; past the failure limit it aborts
// the engine.
func (e *Engine) watchTips(ctx context.Context, ch chan<- mining.BlockRef) {
	backoff := nodeRetryMin
	var failingSince time.Time

	nodeFailed := func(err error) bool {
		if failingSince.IsZero() {
			failingSince = e.now()
			e.send(engineEvent{kind: evNodeDown})
		}
		if e.now().Sub(failingSince) > e.failLimit {
			select {
			case e.fatal <- fmt.Errorf("node unavailable for %s: %w", e.failLimit, err):
			default:
			}
			return true
		}
		e.logger.Warn("node unavailable, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return true
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > nodeRetryMax {
			backoff = nodeRetryMax
		}
		return false
	}

	// Learn the initial tip.
	var current [32]byte
	for {
		if ctx.Err() != nil {
			return
		}
		tip, err := e.mining.GetTip(ctx)
		if err != nil {
			if nodeFailed(err) {
				return
			}
			continue
		}
		backoff, failingSince = nodeRetryMin, time.Time{}
		if tip != nil {
			current = tip.Hash
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(nodeRetryMin):
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		tip, err := e.mining.WaitTipChanged(ctx, current, e.feeInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if nodeFailed(err) {
				return
			}
			continue
		}
		backoff, failingSince = nodeRetryMin, time.Time{}
		if tip == nil || tip.Hash == current {
			continue
		}
		current = tip.Hash
		select {
		case ch <- *tip:
		case <-ctx.Done():
			return
		}
	}
}

// fingerprint digests the parts of a template that matter to clients:
// SHA256(prev_hash || coinbase skeleton || tx count || txids).
func fingerprint(prevHash [32]byte, tmpl mining.BlockTemplate) [32]byte {
	cb := tmpl.Coinbase()

	var buf bytes.Buffer
	buf.Write(prevHash[:])
	binary.Write(&buf, binary.LittleEndian, cb.Version)
	binary.Write(&buf, binary.LittleEndian, cb.InputSequence)
	buf.WriteByte(byte(len(cb.ScriptSigPrefix)))
	buf.Write(cb.ScriptSigPrefix)
	if cb.Witness != nil {
		buf.Write(cb.Witness[:])
	}
	binary.Write(&buf, binary.LittleEndian, cb.ValueRemaining)
	binary.Write(&buf, binary.LittleEndian, cb.RequiredOutputCount)
	buf.Write(cb.RequiredOutputs)
	binary.Write(&buf, binary.LittleEndian, cb.LockTime)

	txs := tmpl.Transactions()
	binary.Write(&buf, binary.LittleEndian, uint32(len(txs)))
	for _, tx := range txs {
		buf.Write(tx.TxID[:])
	}
	return sha256.Sum256(buf.Bytes())
}
