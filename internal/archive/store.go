// Package archive persists solved blocks for debugging and post-mortem
// inspection. Submitted solutions are kept even when the node rejects
// them; a rejected block is sometimes the most interesting kind.
package archive

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketBlocks = []byte("blocks")

// BlockRecord captures one submitted solution.
type BlockRecord struct {
	Hash       [32]byte `cbor:"1,keyasint"`
	TemplateID uint64   `cbor:"2,keyasint"`
	Height     int64    `cbor:"3,keyasint"`
	Version    uint32   `cbor:"4,keyasint"`
	PrevHash   [32]byte `cbor:"5,keyasint"`
	Timestamp  uint32   `cbor:"6,keyasint"`
	Nonce      uint32   `cbor:"7,keyasint"`
	CoinbaseTx []byte   `cbor:"8,keyasint"`
	TxCount    int      `cbor:"9,keyasint"`
	Submitted  bool     `cbor:"10,keyasint"`
	ReceivedAt int64    `cbor:"11,keyasint"`
}

// Store is a bbolt-backed block archive. Writes are serialized; reads
// may run concurrently.
type Store struct {
	mu     sync.Mutex
	db     *bbolt.DB
	logger *zap.Logger
}

// NewStore opens (or creates) the archive database at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlocks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// SaveBlock records a submitted solution, keyed by block hash.
func (s *Store) SaveBlock(rec BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode block record: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(rec.Hash[:], data)
	})
	if err != nil {
		return fmt.Errorf("store block record: %w", err)
	}
	s.logger.Debug("archived block",
		zap.Uint64("template_id", rec.TemplateID),
		zap.Int64("height", rec.Height),
		zap.Bool("submitted", rec.Submitted),
	)
	return nil
}

// Block loads a record by block hash; nil when absent.
func (s *Store) Block(hash [32]byte) (*BlockRecord, error) {
	var rec *BlockRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketBlocks).Get(hash[:])
		if data == nil {
			return nil
		}
		var decoded BlockRecord
		if err := cbor.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("decode block record: %w", err)
		}
		rec = &decoded
		return nil
	})
	return rec, err
}

// Count returns the number of archived blocks.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketBlocks).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
