package tp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sjors/sv2-tp/internal/mining"
)

var errNodeDown = errors.New("mock: node unavailable")

// makeTestTxs builds n distinct dummy transactions.
func makeTestTxs(n int) []mining.TemplateTx {
	txs := make([]mining.TemplateTx, n)
	for i := range txs {
		raw := []byte{0x02, 0x00, 0x00, 0x00, byte(i + 1)}
		txs[i] = mining.TemplateTx{
			Raw:    raw,
			TxID:   mining.DoubleSHA256(raw),
			Fee:    int64(1000 * (i + 1)),
			Sigops: 1,
		}
	}
	return txs
}

// mockState is shared by a mockMining and all templates it hands out.
// Tests drive it with TriggerNewTip and SetFees.
type mockState struct {
	mu sync.Mutex

	tip  mining.BlockRef
	fees int64
	txs  []mining.TemplateTx

	createCalls    int
	lastCreateOpts mining.BlockCreateOptions
	submissions    []mockSubmission

	failNode bool
}

type mockSubmission struct {
	templatePrev [32]byte
	version      uint32
	timestamp    uint32
	nonce        uint32
	coinbaseTx   []byte
}

// mockMining implements mining.Mining against in-memory state, the way
// the node-side mock in the upstream test suite behaves: waits block
// until a test fires an event.
type mockMining struct {
	st *mockState
}

func newMockMining() *mockMining {
	st := &mockState{}
	st.tip.Hash[0] = 0x6f // stand-in genesis
	st.tip.Height = 0
	return &mockMining{st: st}
}

// TriggerNewTip advances the chain tip.
func (m *mockMining) TriggerNewTip() [32]byte {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	m.st.tip.Height++
	m.st.tip.Hash[1]++
	m.st.tip.Hash[31] = byte(m.st.tip.Height)
	return m.st.tip.Hash
}

// SetFees replaces the mempool fee total used by new templates.
func (m *mockMining) SetFees(fees int64) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	m.st.fees = fees
}

// SetTransactions replaces the non-coinbase transactions of new templates.
func (m *mockMining) SetTransactions(txs []mining.TemplateTx) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	m.st.txs = txs
}

// FailNode makes every Mining call error until restored.
func (m *mockMining) FailNode(fail bool) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	m.st.failNode = fail
}

// Submissions returns a copy of recorded submitSolution calls.
func (m *mockMining) Submissions() []mockSubmission {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	out := make([]mockSubmission, len(m.st.submissions))
	copy(out, m.st.submissions)
	return out
}

// CreateCalls returns how many templates were assembled.
func (m *mockMining) CreateCalls() int {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.createCalls
}

// LastCreateOpts returns the options of the most recent template build.
func (m *mockMining) LastCreateOpts() mining.BlockCreateOptions {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.lastCreateOpts
}

func (m *mockMining) GetTip(ctx context.Context) (*mining.BlockRef, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if m.st.failNode {
		return nil, errNodeDown
	}
	tip := m.st.tip
	return &tip, nil
}

func (m *mockMining) WaitTipChanged(ctx context.Context, current [32]byte, timeout time.Duration) (*mining.BlockRef, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.st.mu.Lock()
		failed := m.st.failNode
		tip := m.st.tip
		m.st.mu.Unlock()
		if failed {
			return nil, errNodeDown
		}
		if tip.Hash != current {
			return &tip, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *mockMining) CreateNewBlock(ctx context.Context, opts mining.BlockCreateOptions) (mining.BlockTemplate, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if m.st.failNode {
		return nil, errNodeDown
	}
	m.st.createCalls++
	m.st.lastCreateOpts = opts

	witness := [32]byte{}
	txs := make([]mining.TemplateTx, len(m.st.txs))
	copy(txs, m.st.txs)
	txids := make([][32]byte, len(txs))
	for i := range txs {
		txids[i] = txs[i].TxID
	}

	return &mockTemplate{
		st:   m.st,
		opts: opts,
		header: mining.BlockHeader{
			Version:   0x20000000,
			PrevHash:  m.st.tip.Hash,
			Timestamp: 1700000000 + uint32(m.st.tip.Height),
			Bits:      0x207fffff,
		},
		coinbase: mining.CoinbaseTemplate{
			Version:         2,
			InputSequence:   0xffffffff,
			ScriptSigPrefix: []byte{0x02, byte(m.st.tip.Height + 1), 0x00},
			Witness:         &witness,
			ValueRemaining:  5_000_000_000 + m.st.fees,
			LockTime:        0,
		},
		txs:        txs,
		merklePath: mining.MerklePathForCoinbase(txids),
		fees:       m.st.fees,
	}, nil
}

type mockTemplate struct {
	st   *mockState
	opts mining.BlockCreateOptions

	header     mining.BlockHeader
	coinbase   mining.CoinbaseTemplate
	txs        []mining.TemplateTx
	merklePath [][32]byte
	fees       int64
}

func (t *mockTemplate) Header() mining.BlockHeader        { return t.header }
func (t *mockTemplate) Coinbase() mining.CoinbaseTemplate { return t.coinbase }
func (t *mockTemplate) MerklePath() [][32]byte            { return t.merklePath }
func (t *mockTemplate) Transactions() []mining.TemplateTx { return t.txs }
func (t *mockTemplate) TotalFees() int64                  { return t.fees }
func (t *mockTemplate) Target() [32]byte                  { return mining.CompactToTarget(t.header.Bits) }

func (t *mockTemplate) SubmitSolution(ctx context.Context, version, timestamp, nonce uint32, coinbaseTx []byte) (bool, error) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.st.failNode {
		return false, errNodeDown
	}
	cb := make([]byte, len(coinbaseTx))
	copy(cb, coinbaseTx)
	t.st.submissions = append(t.st.submissions, mockSubmission{
		templatePrev: t.header.PrevHash,
		version:      version,
		timestamp:    timestamp,
		nonce:        nonce,
		coinbaseTx:   cb,
	})
	return true, nil
}

func (t *mockTemplate) WaitNext(ctx context.Context, opts mining.BlockWaitOptions) (mining.BlockTemplate, error) {
	deadline := time.Now().Add(opts.Timeout)
	for {
		t.st.mu.Lock()
		failed := t.st.failNode
		tipChanged := t.st.tip.Hash != t.header.PrevHash
		feesUp := t.st.fees-t.fees >= opts.FeeThreshold
		t.st.mu.Unlock()
		if failed {
			return nil, errNodeDown
		}
		if tipChanged || feesUp {
			m := &mockMining{st: t.st}
			return m.CreateNewBlock(ctx, t.opts)
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
