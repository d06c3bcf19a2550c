package mining

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// tipPollInterval is how often WaitTipChanged and WaitNext re-check the
// node. The JSON-RPC interface has no push channel.
const tipPollInterval = time.Second

// RPCClient implements Mining against a bitcoind JSON-RPC endpoint.
// This is the default backend; a multiprocess IPC backend can implement
// the same interface.
type RPCClient struct {
	client *http.Client
	url    *url.URL
	logger *zap.Logger

	reqID uint64
	mu    sync.Mutex
}

// NewRPCClient creates a Mining implementation for the given RPC URL.
// Credentials go in the URL userinfo.
func NewRPCClient(rawURL string, logger *zap.Logger) (*RPCClient, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse rpc url: %w", err)
	}
	return &RPCClient{
		client: &http.Client{Timeout: 30 * time.Second},
		url:    parsed,
		logger: logger,
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	c.mu.Lock()
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.url.User != nil {
		pw, _ := c.url.User.Password()
		req.SetBasicAuth(c.url.User.Username(), pw)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var rresp rpcResponse
	if err := json.Unmarshal(data, &rresp); err != nil {
		return fmt.Errorf("%s decode (status %d): %w", method, resp.StatusCode, err)
	}
	if rresp.Error != nil {
		return fmt.Errorf("%s: %w", method, rresp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rresp.Result, out); err != nil {
			return fmt.Errorf("%s result: %w", method, err)
		}
	}
	return nil
}

// GetTip returns the node's best block.
func (c *RPCClient) GetTip(ctx context.Context) (*BlockRef, error) {
	var info struct {
		BestBlockHash string `json:"bestblockhash"`
		Blocks        int64  `json:"blocks"`
	}
	if err := c.call(ctx, "getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	hash, err := parseHashBE(info.BestBlockHash)
	if err != nil {
		return nil, err
	}
	return &BlockRef{Hash: hash, Height: info.Blocks}, nil
}

// WaitTipChanged polls the best block hash until it differs from current.
func (c *RPCClient) WaitTipChanged(ctx context.Context, current [32]byte, timeout time.Duration) (*BlockRef, error) {
	deadline := time.Now().Add(timeout)
	for {
		tip, err := c.GetTip(ctx)
		if err != nil {
			return nil, err
		}
		if tip.Hash != current {
			return tip, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(tipPollInterval):
		}
	}
}

// gbtResult is the subset of getblocktemplate the provider consumes.
type gbtResult struct {
	Version           uint32  `json:"version"`
	PreviousBlockHash string  `json:"previousblockhash"`
	Transactions      []gbtTx `json:"transactions"`
	CoinbaseValue     int64   `json:"coinbasevalue"`
	Target            string  `json:"target"`
	CurTime           uint32  `json:"curtime"`
	Bits              string  `json:"bits"`
	Height            int64   `json:"height"`
	WitnessCommitment string  `json:"default_witness_commitment"`
}

type gbtTx struct {
	Data   string `json:"data"`
	TxID   string `json:"txid"`
	Fee    int64  `json:"fee"`
	Sigops int64  `json:"sigops"`
}

// CreateNewBlock assembles a template via getblocktemplate. None of opts
// reaches the node: mempool transactions are always included, and no
// reserved weight or sigop limit is applied. opts is kept for WaitNext.
func (c *RPCClient) CreateNewBlock(ctx context.Context, opts BlockCreateOptions) (BlockTemplate, error) {
	params := []interface{}{map[string]interface{}{
		"rules": []string{"segwit"},
	}}
	var result gbtResult
	if err := c.call(ctx, "getblocktemplate", params, &result); err != nil {
		return nil, err
	}
	return c.templateFromGBT(result, opts)
}

func (c *RPCClient) templateFromGBT(result gbtResult, opts BlockCreateOptions) (*rpcTemplate, error) {
	prevHash, err := parseHashBE(result.PreviousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("previousblockhash: %w", err)
	}

	bitsRaw, err := hex.DecodeString(result.Bits)
	if err != nil || len(bitsRaw) != 4 {
		return nil, fmt.Errorf("bits %q unparseable", result.Bits)
	}
	bits := binary.BigEndian.Uint32(bitsRaw)

	txs := make([]TemplateTx, 0, len(result.Transactions))
	txids := make([][32]byte, 0, len(result.Transactions))
	var totalFees int64
	for i, tx := range result.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("transaction %d data: %w", i, err)
		}
		txid, err := parseHashBE(tx.TxID)
		if err != nil {
			return nil, fmt.Errorf("transaction %d txid: %w", i, err)
		}
		txs = append(txs, TemplateTx{Raw: raw, TxID: txid, Fee: tx.Fee, Sigops: tx.Sigops})
		txids = append(txids, txid)
		totalFees += tx.Fee
	}

	coinbase := CoinbaseTemplate{
		Version:         2,
		InputSequence:   0xffffffff,
		ScriptSigPrefix: bip34HeightPrefix(result.Height),
		ValueRemaining:  result.CoinbaseValue,
		LockTime:        0,
	}
	if result.WitnessCommitment != "" {
		var witness [32]byte
		coinbase.Witness = &witness

		script, err := hex.DecodeString(result.WitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("witness commitment: %w", err)
		}
		var out bytes.Buffer
		binary.Write(&out, binary.LittleEndian, int64(0))
		out.Write(writeVarInt(uint64(len(script))))
		out.Write(script)
		coinbase.RequiredOutputs = out.Bytes()
		coinbase.RequiredOutputCount = 1
	}

	return &rpcTemplate{
		client: c,
		opts:   opts,
		header: BlockHeader{
			Version:   result.Version,
			PrevHash:  prevHash,
			Timestamp: result.CurTime,
			Bits:      bits,
		},
		coinbase:   coinbase,
		txs:        txs,
		merklePath: MerklePathForCoinbase(txids),
		totalFees:  totalFees,
		height:     result.Height,
	}, nil
}

// rpcTemplate is a BlockTemplate backed by a getblocktemplate snapshot.
type rpcTemplate struct {
	client *RPCClient
	opts   BlockCreateOptions

	header     BlockHeader
	coinbase   CoinbaseTemplate
	txs        []TemplateTx
	merklePath [][32]byte
	totalFees  int64
	height     int64
}

func (t *rpcTemplate) Header() BlockHeader        { return t.header }
func (t *rpcTemplate) Coinbase() CoinbaseTemplate { return t.coinbase }
func (t *rpcTemplate) MerklePath() [][32]byte     { return t.merklePath }
func (t *rpcTemplate) Transactions() []TemplateTx { return t.txs }
func (t *rpcTemplate) TotalFees() int64           { return t.totalFees }
func (t *rpcTemplate) Target() [32]byte           { return CompactToTarget(t.header.Bits) }

// SubmitSolution assembles the full block from the patched header and
// the client-supplied coinbase, then calls submitblock.
func (t *rpcTemplate) SubmitSolution(ctx context.Context, version, timestamp, nonce uint32, coinbaseTx []byte) (bool, error) {
	coinbaseTxID := DoubleSHA256(stripWitness(coinbaseTx))
	merkleRoot := MerkleRootFromPath(coinbaseTxID, t.merklePath)

	var block bytes.Buffer
	binary.Write(&block, binary.LittleEndian, version)
	block.Write(t.header.PrevHash[:])
	block.Write(merkleRoot[:])
	binary.Write(&block, binary.LittleEndian, timestamp)
	binary.Write(&block, binary.LittleEndian, t.header.Bits)
	binary.Write(&block, binary.LittleEndian, nonce)

	block.Write(writeVarInt(uint64(len(t.txs) + 1)))
	block.Write(coinbaseTx)
	for _, tx := range t.txs {
		block.Write(tx.Raw)
	}

	var result *string
	if err := t.client.call(ctx, "submitblock", []interface{}{hex.EncodeToString(block.Bytes())}, &result); err != nil {
		return false, err
	}
	// submitblock returns null on acceptance and a reason string otherwise.
	if result != nil {
		t.client.logger.Warn("block rejected by node",
			zap.String("reason", *result),
			zap.Int64("height", t.height),
		)
		return false, nil
	}
	return true, nil
}

// WaitNext polls for a template that is meaningfully better: a new prev
// hash, or total fees up by at least opts.FeeThreshold.
func (t *rpcTemplate) WaitNext(ctx context.Context, opts BlockWaitOptions) (BlockTemplate, error) {
	deadline := time.Now().Add(opts.Timeout)
	for {
		next, err := t.client.CreateNewBlock(ctx, t.opts)
		if err != nil {
			return nil, err
		}
		if next.Header().PrevHash != t.header.PrevHash {
			return next, nil
		}
		if next.TotalFees()-t.totalFees >= opts.FeeThreshold {
			return next, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(tipPollInterval):
		}
	}
}

// parseHashBE decodes a display-order (big-endian) hex hash into
// internal byte order.
func parseHashBE(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("hash %q: expected 32 bytes, got %d", s, len(raw))
	}
	for i := range raw {
		out[i] = raw[len(raw)-1-i]
	}
	return out, nil
}

// bip34HeightPrefix encodes the block height as the mandatory start of
// the coinbase scriptSig.
func bip34HeightPrefix(height int64) []byte {
	if height == 0 {
		return []byte{0x01, 0x00}
	}
	if height <= 16 {
		return []byte{0x01, byte(height)}
	}
	var heightBytes []byte
	h := height
	for h > 0 {
		heightBytes = append(heightBytes, byte(h&0xff))
		h >>= 8
	}
	if heightBytes[len(heightBytes)-1]&0x80 != 0 {
		heightBytes = append(heightBytes, 0x00)
	}
	out := []byte{byte(len(heightBytes))}
	return append(out, heightBytes...)
}

// writeVarInt encodes a Bitcoin CompactSize integer.
func writeVarInt(v uint64) []byte {
	switch {
	case v < 0xfd:
		return []byte{byte(v)}
	case v <= 0xffff:
		out := make([]byte, 3)
		out[0] = 0xfd
		binary.LittleEndian.PutUint16(out[1:], uint16(v))
		return out
	case v <= 0xffffffff:
		out := make([]byte, 5)
		out[0] = 0xfe
		binary.LittleEndian.PutUint32(out[1:], uint32(v))
		return out
	default:
		out := make([]byte, 9)
		out[0] = 0xff
		binary.LittleEndian.PutUint64(out[1:], v)
		return out
	}
}

// readVarInt decodes a CompactSize integer, returning the value and the
// number of bytes consumed.
func readVarInt(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("varint: empty input")
	}
	switch b[0] {
	case 0xfd:
		if len(b) < 3 {
			return 0, 0, fmt.Errorf("varint: truncated u16")
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3, nil
	case 0xfe:
		if len(b) < 5 {
			return 0, 0, fmt.Errorf("varint: truncated u32")
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5, nil
	case 0xff:
		if len(b) < 9 {
			return 0, 0, fmt.Errorf("varint: truncated u64")
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9, nil
	default:
		return uint64(b[0]), 1, nil
	}
}

// stripWitness converts a serialized transaction to its non-witness
// form so DoubleSHA256 yields the txid rather than the wtxid. Input
// without the segwit marker is returned unchanged.
func stripWitness(tx []byte) []byte {
	if len(tx) < 6 || tx[4] != 0x00 || tx[5] != 0x01 {
		return tx
	}

	// version | marker flag | inputs .. outputs | witness | locktime
	out := make([]byte, 0, len(tx))
	out = append(out, tx[:4]...)
	pos := 6

	start := pos
	inputCount, n, err := readVarInt(tx[pos:])
	if err != nil {
		return tx
	}
	pos += n
	for i := uint64(0); i < inputCount; i++ {
		if pos+36 > len(tx) {
			return tx
		}
		pos += 36
		scriptLen, n, err := readVarInt(tx[pos:])
		if err != nil || pos+n+int(scriptLen)+4 > len(tx) {
			return tx
		}
		pos += n + int(scriptLen) + 4
	}
	outputCount, n, err := readVarInt(tx[pos:])
	if err != nil {
		return tx
	}
	pos += n
	for i := uint64(0); i < outputCount; i++ {
		if pos+8 > len(tx) {
			return tx
		}
		pos += 8
		scriptLen, n, err := readVarInt(tx[pos:])
		if err != nil || pos+n+int(scriptLen) > len(tx) {
			return tx
		}
		pos += n + int(scriptLen)
	}
	out = append(out, tx[start:pos]...)

	// Skip witness stacks, keep the trailing locktime.
	if len(tx) < 4 {
		return tx
	}
	out = append(out, tx[len(tx)-4:]...)
	return out
}
