// Package state persists pool and allocator accounting in a key-value
// database. Each store implements the state interface its engine expects and
// keeps the stored records as JSON so they stay inspectable with standard
// tooling.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"creditpool/native/allocator"
	"creditpool/native/pool"
	"creditpool/storage"
)

const (
	poolStateKey      = "pool"
	writedownKeySpace = "writedown"
)

var errNilDatabase = errors.New("state: database not configured")

type poolRecord struct {
	SharePrice         *big.Int `json:"sharePrice"`
	ExternalYieldClaim *big.Int `json:"externalYieldClaim"`
}

type allocatorRecord struct {
	SharePrice            *big.Int `json:"sharePrice"`
	ExternalYieldClaim    *big.Int `json:"externalYieldClaim"`
	TotalLoansOutstanding *big.Int `json:"totalLoansOutstanding"`
	TotalWritedowns       *big.Int `json:"totalWritedowns"`
}

// PoolStore persists capital pool state under a caller-chosen prefix so
// several pools can share one database.
type PoolStore struct {
	db     storage.Database
	prefix string
}

// NewPoolStore binds a pool store to the database under the given prefix.
func NewPoolStore(db storage.Database, prefix string) *PoolStore {
	return &PoolStore{db: db, prefix: prefix}
}

// GetPool loads the stored pool state. A pool that has never been persisted
// yields nil with no error; the engine applies its defaults.
func (s *PoolStore) GetPool() (*pool.State, error) {
	if s == nil || s.db == nil {
		return nil, errNilDatabase
	}
	raw, err := s.db.Get(s.key(poolStateKey))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load pool: %w", err)
	}
	var rec poolRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: decode pool: %w", err)
	}
	return &pool.State{
		SharePrice:         rec.SharePrice,
		ExternalYieldClaim: rec.ExternalYieldClaim,
	}, nil
}

// PutPool stores the pool state, overwriting any previous record.
func (s *PoolStore) PutPool(st *pool.State) error {
	if s == nil || s.db == nil {
		return errNilDatabase
	}
	if st == nil {
		return errors.New("state: nil pool state")
	}
	raw, err := json.Marshal(poolRecord{
		SharePrice:         st.SharePrice,
		ExternalYieldClaim: st.ExternalYieldClaim,
	})
	if err != nil {
		return fmt.Errorf("state: encode pool: %w", err)
	}
	return s.db.Put(s.key(poolStateKey), raw)
}

func (s *PoolStore) key(suffix string) []byte {
	return []byte(s.prefix + "/" + suffix)
}

// AllocatorStore persists allocator pool state plus the per-borrower-pool
// writedown ledger.
type AllocatorStore struct {
	db     storage.Database
	prefix string
}

// NewAllocatorStore binds an allocator store to the database under the given
// prefix.
func NewAllocatorStore(db storage.Database, prefix string) *AllocatorStore {
	return &AllocatorStore{db: db, prefix: prefix}
}

// GetPool loads the stored allocator state, nil when never persisted.
func (s *AllocatorStore) GetPool() (*allocator.State, error) {
	if s == nil || s.db == nil {
		return nil, errNilDatabase
	}
	raw, err := s.db.Get(s.key(poolStateKey))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load allocator: %w", err)
	}
	var rec allocatorRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("state: decode allocator: %w", err)
	}
	return &allocator.State{
		SharePrice:            rec.SharePrice,
		ExternalYieldClaim:    rec.ExternalYieldClaim,
		TotalLoansOutstanding: rec.TotalLoansOutstanding,
		TotalWritedowns:       rec.TotalWritedowns,
	}, nil
}

// PutPool stores the allocator state, overwriting any previous record.
func (s *AllocatorStore) PutPool(st *allocator.State) error {
	if s == nil || s.db == nil {
		return errNilDatabase
	}
	if st == nil {
		return errors.New("state: nil allocator state")
	}
	raw, err := json.Marshal(allocatorRecord{
		SharePrice:            st.SharePrice,
		ExternalYieldClaim:    st.ExternalYieldClaim,
		TotalLoansOutstanding: st.TotalLoansOutstanding,
		TotalWritedowns:       st.TotalWritedowns,
	})
	if err != nil {
		return fmt.Errorf("state: encode allocator: %w", err)
	}
	return s.db.Put(s.key(poolStateKey), raw)
}

// GetWritedown loads the last recorded writedown for a borrower pool. Absent
// records read as zero.
func (s *AllocatorStore) GetWritedown(borrowerPool common.Address) (*big.Int, error) {
	if s == nil || s.db == nil {
		return nil, errNilDatabase
	}
	raw, err := s.db.Get(s.writedownKey(borrowerPool))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load writedown: %w", err)
	}
	amount := new(big.Int)
	if err := amount.UnmarshalText(raw); err != nil {
		return nil, fmt.Errorf("state: decode writedown: %w", err)
	}
	return amount, nil
}

// PutWritedown stores the current writedown for a borrower pool. A zero
// amount deletes the record.
func (s *AllocatorStore) PutWritedown(borrowerPool common.Address, amount *big.Int) error {
	if s == nil || s.db == nil {
		return errNilDatabase
	}
	if amount == nil || amount.Sign() == 0 {
		return s.db.Delete(s.writedownKey(borrowerPool))
	}
	raw, err := amount.MarshalText()
	if err != nil {
		return fmt.Errorf("state: encode writedown: %w", err)
	}
	return s.db.Put(s.writedownKey(borrowerPool), raw)
}

func (s *AllocatorStore) key(suffix string) []byte {
	return []byte(s.prefix + "/" + suffix)
}

func (s *AllocatorStore) writedownKey(borrowerPool common.Address) []byte {
	return []byte(s.prefix + "/" + writedownKeySpace + "/" + borrowerPool.Hex())
}
