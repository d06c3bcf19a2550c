package tp

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Sjors/sv2-tp/internal/noise"
	"github.com/Sjors/sv2-tp/internal/sv2"
)

// countingRecorder is a metrics.Recorder that tests can interrogate.
type countingRecorder struct {
	mu              sync.Mutex
	connOpened      int
	connClosed      int
	handshakeFailed int
	templatesSent   int
	txDataRequests  int
	solutions       map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{solutions: make(map[string]int)}
}

func (r *countingRecorder) ConnOpened()      { r.mu.Lock(); r.connOpened++; r.mu.Unlock() }
func (r *countingRecorder) ConnClosed()      { r.mu.Lock(); r.connClosed++; r.mu.Unlock() }
func (r *countingRecorder) HandshakeFailed() { r.mu.Lock(); r.handshakeFailed++; r.mu.Unlock() }
func (r *countingRecorder) TemplateSent()    { r.mu.Lock(); r.templatesSent++; r.mu.Unlock() }
func (r *countingRecorder) TxDataRequest()   { r.mu.Lock(); r.txDataRequests++; r.mu.Unlock() }
func (r *countingRecorder) SolutionSubmitted(status string) {
	r.mu.Lock()
	r.solutions[status]++
	r.mu.Unlock()
}

func (r *countingRecorder) get(f func(*countingRecorder) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f(r)
}

// testHarness bundles a running server and its inputs.
type testHarness struct {
	srv          *Server
	mock         *mockMining
	rec          *countingRecorder
	authorityPub [32]byte
	addr         string
}

func startServer(t *testing.T, tweak func(*Options)) *testHarness {
	t.Helper()

	static, err := noise.GenerateStaticKeypair(rand.Reader)
	require.NoError(t, err)
	authority, err := noise.LoadOrCreateAuthorityKey(t.TempDir() + "/sv2_authority_key")
	require.NoError(t, err)
	cert, err := noise.SignCertificate(authority, static.Pub, time.Now())
	require.NoError(t, err)

	mock := newMockMining()
	rec := newCountingRecorder()

	opts := Options{
		ListenAddr:       "127.0.0.1:0",
		StaticKey:        static,
		Certificate:      cert,
		FeeCheckInterval: 50 * time.Millisecond,
		FeeDelta:         1000,
		NodeFailureLimit: 10 * time.Minute,
		Metrics:          rec,
	}
	if tweak != nil {
		tweak(&opts)
	}

	srv := NewServer(mock, opts, zap.NewNop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop() })

	return &testHarness{
		srv:          srv,
		mock:         mock,
		rec:          rec,
		authorityPub: noise.AuthorityPubKey(authority),
		addr:         srv.Addr().String(),
	}
}

func TestHappyPath(t *testing.T) {
	h := startServer(t, nil)

	client := dialClient(t, h.addr, h.authorityPub)

	success := client.setup()
	require.Equal(t, uint16(2), success.UsedVersion)
	require.Equal(t, uint32(0), success.Flags)

	nt, snph := client.stream(1, 0)
	require.Equal(t, uint64(1), nt.TemplateID)
	require.False(t, nt.FutureTemplate)
	require.Equal(t, uint64(1), snph.TemplateID)

	genesis, err := h.mock.GetTip(context.Background())
	require.NoError(t, err)
	require.Equal(t, genesis.Hash, snph.PrevHash)

	// The client's size constraint shaped the reserved block weight.
	require.Equal(t, uint32(2004), h.mock.LastCreateOpts().BlockReservedWeight)
}

func TestTipChangeTriggersPush(t *testing.T) {
	h := startServer(t, nil)
	client := dialClient(t, h.addr, h.authorityPub)
	client.setup()
	nt1, _ := client.stream(0, 0)

	newHash := h.mock.TriggerNewTip()

	nt2 := expect[*sv2.NewTemplate](client, 2*time.Second)
	snph2 := expect[*sv2.SetNewPrevHash](client, 2*time.Second)
	require.Greater(t, nt2.TemplateID, nt1.TemplateID)
	require.Equal(t, nt2.TemplateID, snph2.TemplateID)
	require.Equal(t, newHash, snph2.PrevHash)

	// The superseded template is no longer accepted for submission.
	before := len(h.mock.Submissions())
	client.send(&sv2.SubmitSolution{
		TemplateID:      nt1.TemplateID,
		Version:         0x20000000,
		HeaderTimestamp: 1700000001,
		HeaderNonce:     7,
		CoinbaseTx:      []byte{0x02, 0x00, 0x00, 0x00},
	})
	require.Eventually(t, func() bool {
		return h.rec.get(func(r *countingRecorder) int { return r.solutions["unknown-template"] }) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, h.mock.Submissions(), before)
}

func TestFeeDeltaSuppressionAndRelease(t *testing.T) {
	h := startServer(t, nil)
	client := dialClient(t, h.addr, h.authorityPub)
	client.setup()
	nt1, snph1 := client.stream(0, 0)

	// A small fee bump stays below the delta: no push across several
	// fee-check ticks.
	h.mock.SetFees(500)
	client.expectSilence(300 * time.Millisecond)

	// Crossing the delta releases a push with the original prev hash.
	h.mock.SetFees(1500)
	nt2 := expect[*sv2.NewTemplate](client, 2*time.Second)
	snph2 := expect[*sv2.SetNewPrevHash](client, 2*time.Second)
	require.Greater(t, nt2.TemplateID, nt1.TemplateID)
	require.Equal(t, snph1.PrevHash, snph2.PrevHash)
}

func TestSubmissionRoundTrip(t *testing.T) {
	h := startServer(t, nil)
	client := dialClient(t, h.addr, h.authorityPub)
	client.setup()
	nt, _ := client.stream(0, 0)

	// A coinbase whose scriptSig starts with the template's prefix.
	coinbase := append([]byte{0x02, 0x00, 0x00, 0x00}, nt.CoinbasePrefix...)
	coinbase = append(coinbase, 0xde, 0xad)

	client.send(&sv2.SubmitSolution{
		TemplateID:      nt.TemplateID,
		Version:         0x20000004,
		HeaderTimestamp: 1700000123,
		HeaderNonce:     424242,
		CoinbaseTx:      coinbase,
	})

	require.Eventually(t, func() bool {
		return len(h.mock.Submissions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sub := h.mock.Submissions()[0]
	require.Equal(t, uint32(0x20000004), sub.version)
	require.Equal(t, uint32(1700000123), sub.timestamp)
	require.Equal(t, uint32(424242), sub.nonce)
	require.Equal(t, coinbase, sub.coinbaseTx)
	require.Equal(t, 1, h.rec.get(func(r *countingRecorder) int { return r.solutions["ok"] }))
}

func TestRequestTransactionData(t *testing.T) {
	h := startServer(t, nil)
	h.mock.SetTransactions(makeTestTxs(3))

	client := dialClient(t, h.addr, h.authorityPub)
	client.setup()
	nt, _ := client.stream(0, 0)
	require.Len(t, nt.MerklePath, 2)

	client.send(&sv2.RequestTransactionData{TemplateID: nt.TemplateID})
	success := expect[*sv2.RequestTransactionDataSuccess](client, 2*time.Second)
	require.Equal(t, nt.TemplateID, success.TemplateID)
	require.Empty(t, success.ExcessData)
	require.Len(t, success.TransactionList, 3)

	client.send(&sv2.RequestTransactionData{TemplateID: 9999})
	failure := expect[*sv2.RequestTransactionDataError](client, 2*time.Second)
	require.Equal(t, uint64(9999), failure.TemplateID)
	require.Equal(t, "template-id-not-found", failure.ErrorCode)
}

func TestSetupRejections(t *testing.T) {
	h := startServer(t, nil)

	t.Run("wrong protocol", func(t *testing.T) {
		client := dialClient(t, h.addr, h.authorityPub)
		client.send(&sv2.SetupConnection{Protocol: 0, MinVersion: 2, MaxVersion: 2})
		reject := expect[*sv2.SetupConnectionError](client, 2*time.Second)
		require.Equal(t, "unsupported-protocol", reject.ErrorCode)
	})

	t.Run("version below supported", func(t *testing.T) {
		client := dialClient(t, h.addr, h.authorityPub)
		client.send(&sv2.SetupConnection{Protocol: sv2.ProtocolTemplateDistribution, MinVersion: 1, MaxVersion: 1})
		reject := expect[*sv2.SetupConnectionError](client, 2*time.Second)
		require.Equal(t, "protocol-version-mismatch", reject.ErrorCode)
	})

	t.Run("submit before streaming", func(t *testing.T) {
		client := dialClient(t, h.addr, h.authorityPub)
		client.send(&sv2.SubmitSolution{TemplateID: 1})
		reject := expect[*sv2.SetupConnectionError](client, 2*time.Second)
		require.NotEmpty(t, reject.ErrorCode)
	})
}

func TestMalformedHandshakeClosesSilently(t *testing.T) {
	h := startServer(t, func(o *Options) {
		o.HandshakeTimeout = 200 * time.Millisecond
	})

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()

	// One byte short of a valid first handshake message.
	_, err = conn.Write(make([]byte, 31))
	require.NoError(t, err)

	// The provider must close without emitting a single byte.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return h.rec.get(func(r *countingRecorder) int { return r.handshakeFailed }) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTemplateIDsMonotonicAcrossClients(t *testing.T) {
	h := startServer(t, nil)

	var ids []uint64
	for i := 0; i < 3; i++ {
		client := dialClient(t, h.addr, h.authorityPub)
		client.setup()
		nt, _ := client.stream(0, 0)
		ids = append(ids, nt.TemplateID)
	}
	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i], ids[i-1])
	}
}

func TestRepeatedLifecycle(t *testing.T) {
	for i := 0; i < 5; i++ {
		h := startServer(t, nil)
		client := dialClient(t, h.addr, h.authorityPub)
		success := client.setup()
		require.Equal(t, uint16(2), success.UsedVersion)
		nt, snph := client.stream(1, 0)
		require.Equal(t, uint64(1), nt.TemplateID)
		require.Equal(t, nt.TemplateID, snph.TemplateID)
		require.NoError(t, h.srv.Stop())
	}
}

func TestOrderingTemplateBeforePrevHash(t *testing.T) {
	h := startServer(t, nil)
	client := dialClient(t, h.addr, h.authorityPub)
	client.setup()
	client.stream(0, 0)

	// Across several tip changes the pair ordering must hold.
	for i := 0; i < 3; i++ {
		h.mock.TriggerNewTip()
		nt := expect[*sv2.NewTemplate](client, 2*time.Second)
		snph := expect[*sv2.SetNewPrevHash](client, 2*time.Second)
		require.Equal(t, nt.TemplateID, snph.TemplateID)
	}
}
