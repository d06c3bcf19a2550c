// Package mining defines the abstract interface the template provider
// uses to talk to a Bitcoin node, plus the block primitives shared by
// its implementations.
package mining

import (
	"context"
	"time"
)

// BlockRef identifies a block in the node's active chain.
type BlockRef struct {
	Hash   [32]byte
	Height int64
}

// BlockHeader is the 80-byte Bitcoin block header, field by field.
type BlockHeader struct {
	Version    uint32
	PrevHash   [32]byte
	MerkleRoot [32]byte
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
}

// CoinbaseTemplate is the skeleton of the coinbase transaction a client
// completes: everything except the outputs the client appends.
type CoinbaseTemplate struct {
	// Version is the coinbase transaction nVersion.
	Version uint32
	// InputSequence is the nSequence of the only input.
	InputSequence uint32
	// ScriptSigPrefix must start the scriptSig; at most 8 bytes, which
	// leaves clients room for extranonce space.
	ScriptSigPrefix []byte
	// Witness is the BIP 141 witness reserved value, nil for templates
	// without witness data.
	Witness *[32]byte
	// ValueRemaining is subsidy plus fees minus required outputs, in sat.
	ValueRemaining int64
	// RequiredOutputs holds the serialized outputs that must close the
	// coinbase, currently the witness commitment.
	RequiredOutputs []byte
	// RequiredOutputCount is the number of outputs in RequiredOutputs.
	RequiredOutputCount uint32
	// LockTime is the coinbase nLockTime.
	LockTime uint32
}

// TemplateTx is one non-coinbase transaction of a template.
type TemplateTx struct {
	// Raw is the full serialized transaction including witness data.
	Raw []byte
	// TxID is the double-SHA256 of the non-witness serialization,
	// internal byte order.
	TxID [32]byte
	Fee  int64
	// Sigops is the legacy-scaled sigop cost.
	Sigops int64
}

// BlockCreateOptions parameterize template assembly.
type BlockCreateOptions struct {
	// UseMempool set false omits mempool transactions.
	UseMempool bool
	// BlockReservedWeight is held back for the header and the coinbase,
	// including whatever the client declared it will append.
	BlockReservedWeight uint32
	// CoinbaseOutputMaxAdditionalSigops bounds sigops in client-added
	// coinbase outputs.
	CoinbaseOutputMaxAdditionalSigops uint16
}

// DefaultBlockReservedWeight matches the node's scaffolding floor before
// any client constraint is applied.
const DefaultBlockReservedWeight = 2000

// ReservedWeightFor converts a client's coinbase size constraint into
// reserved block weight: four weight units per additional byte on top of
// the fixed scaffolding.
func ReservedWeightFor(maxAdditionalSize uint32) uint32 {
	return DefaultBlockReservedWeight + maxAdditionalSize*4
}

// BlockWaitOptions parameterize waiting for an improved template.
type BlockWaitOptions struct {
	// Timeout bounds the wait; zero means return immediately.
	Timeout time.Duration
	// FeeThreshold is the minimum fee improvement (sat) worth returning
	// a new template for.
	FeeThreshold int64
}

// BlockTemplate is one assembled block candidate. Implementations keep
// whatever node-side handle is needed to submit a solution against it.
type BlockTemplate interface {
	// Header returns the candidate header. Nonce is zero; the client
	// supplies version, timestamp and nonce with its solution.
	Header() BlockHeader
	// Coinbase returns the coinbase skeleton.
	Coinbase() CoinbaseTemplate
	// MerklePath is the path from the coinbase to the merkle root,
	// deepest level first.
	MerklePath() [][32]byte
	// Transactions returns the non-coinbase transactions in block order.
	Transactions() []TemplateTx
	// TotalFees is the sum of transaction fees in sat.
	TotalFees() int64
	// Target is the expanded proof-of-work target for Header().Bits.
	Target() [32]byte

	// SubmitSolution patches the header and coinbase and submits the
	// block. The node's verdict is advisory.
	SubmitSolution(ctx context.Context, version, timestamp, nonce uint32, coinbaseTx []byte) (bool, error)

	// WaitNext blocks until a meaningfully better template exists (new
	// tip, or fees up by at least opts.FeeThreshold) or the timeout
	// lapses, in which case it returns nil.
	WaitNext(ctx context.Context, opts BlockWaitOptions) (BlockTemplate, error)
}

// Mining is the node interface the template provider consumes.
type Mining interface {
	// GetTip returns the current chain tip, or nil before the node has one.
	GetTip(ctx context.Context) (*BlockRef, error)
	// WaitTipChanged blocks until the tip differs from current or the
	// timeout lapses; nil means no change.
	WaitTipChanged(ctx context.Context, current [32]byte, timeout time.Duration) (*BlockRef, error)
	// CreateNewBlock assembles a fresh template.
	CreateNewBlock(ctx context.Context, opts BlockCreateOptions) (BlockTemplate, error)
}
