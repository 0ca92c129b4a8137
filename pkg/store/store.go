package store

import (
	"encoding/json"
	"fmt"
	"math/big"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// Key prefixes. Receipts are double-indexed so a user can list their own
// settlement history without a full scan.
const (
	prefixIntent      = "intent/"
	prefixReceipt     = "receipt/"
	prefixReceiptUser = "receipt_user/"
	prefixQuote       = "quote/"
	prefixCommitment  = "commitment/"
)

// Intent is a user's signed request to settle a shielded transition.
type Intent struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Sender     string          `json:"sender"`
	Transition json.RawMessage `json:"transition"`
	Signature  string          `json:"signature"`
	Status     string          `json:"status"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// Receipt is the terminal record of one intent's journey through the
// pipeline.
type Receipt struct {
	IntentID  string `json:"intentId"`
	User      string `json:"user"`
	Kind      string `json:"kind"`
	TxHash    string `json:"txHash,omitempty"`
	Status    string `json:"status"`
	Backend   string `json:"backend,omitempty"`
	ElapsedMs int64  `json:"elapsedMs"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Quote is an advertised swap rate with an expiry.
type Quote struct {
	ID        string `json:"id"`
	AssetIn   string `json:"assetIn"`
	AssetOut  string `json:"assetOut"`
	AmountIn  string `json:"amountIn"`
	AmountOut string `json:"amountOut"`
	FeeBps    int64  `json:"feeBps"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Store is the relayer's durable state, backed by badger.
type Store struct {
	db *badger.DB
}

// Open opens or creates the store at path. An empty path uses an
// in-memory database, which tests rely on.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %v", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IntentID derives a deterministic id from the intent's content, so a
// resubmitted intent maps to the same record.
func IntentID(kind, sender string, transition json.RawMessage) string {
	digest := crypto.Keccak256([]byte(kind), []byte(sender), transition)
	return fmt.Sprintf("0x%x", digest)
}

// PutIntent writes the intent record, overwriting any prior status.
func (s *Store) PutIntent(intent *Intent) error {
	return s.put(prefixIntent+intent.ID, intent)
}

// GetIntent loads one intent by id.
func (s *Store) GetIntent(id string) (*Intent, error) {
	var intent Intent
	if err := s.get(prefixIntent+id, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// PutReceipt writes the receipt under both its id and its user index.
func (s *Store) PutReceipt(receipt *Receipt) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("failed to marshal receipt: %v", err)
		}
		if err := txn.Set([]byte(prefixReceipt+receipt.IntentID), data); err != nil {
			return err
		}
		userKey := prefixReceiptUser + receipt.User + "/" + receipt.IntentID
		return txn.Set([]byte(userKey), []byte(receipt.IntentID))
	})
}

// GetReceipt loads one receipt by intent id.
func (s *Store) GetReceipt(intentID string) (*Receipt, error) {
	var receipt Receipt
	if err := s.get(prefixReceipt+intentID, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ReceiptsByUser lists all receipts recorded for a user.
func (s *Store) ReceiptsByUser(user string) ([]*Receipt, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixReceiptUser + user + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(val))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan receipts: %v", err)
	}
	receipts := make([]*Receipt, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetReceipt(id)
		if err != nil {
			log.Warn().Err(err).Str("intent_id", id).Msg("Dangling receipt index entry")
			continue
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// PutQuote stores a quote until its expiry is enforced by the caller.
func (s *Store) PutQuote(quote *Quote) error {
	return s.put(prefixQuote+quote.ID, quote)
}

// GetQuote loads one quote by id.
func (s *Store) GetQuote(id string) (*Quote, error) {
	var quote Quote
	if err := s.get(prefixQuote+id, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// PutCommitment records a ledger commitment at its insertion index. The
// index doubles as the accumulator leaf position.
func (s *Store) PutCommitment(index uint64, commitment *big.Int) error {
	key := fmt.Sprintf("%s%020d", prefixCommitment, index)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(commitment.Text(10)))
	})
}

// Commitments returns the cached commitments in insertion order.
func (s *Store) Commitments() ([]*big.Int, error) {
	var out []*big.Int
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixCommitment)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			n, ok := new(big.Int).SetString(string(val), 10)
			if !ok {
				return fmt.Errorf("corrupt commitment record %q", string(val))
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan commitments: %v", err)
	}
	return out, nil
}

// ErrNotFound reports whether an error is a missing-record error.
func ErrNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}

func (s *Store) put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %v", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) get(key string, v interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(val, v)
	})
}
