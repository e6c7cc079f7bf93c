package store

import (
	"math"

	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/datachainlab/quartz-go/enclave/kvstore"
	"github.com/datachainlab/quartz-go/sgx"
)

var (
	ErrContractExists = errorsmod.Register(types.StoreCodespace, 10, "contract already exists")
	ErrNonceExists    = errorsmod.Register(types.StoreCodespace, 11, "nonce already exists")
)

var (
	ConfigKey   = kvstore.NewKey[types.Config]("config")
	ContractKey = kvstore.NewKey[string]("contract")
	NonceKey    = kvstore.NewKey[sgx.Nonce]("nonce")
	SeqNumKey   = kvstore.NewKey[uint64]("seq_num")
)

// Store is the enclave's view of the handshake state.
type Store interface {
	Config() (*types.Config, error)
	SetConfig(cfg types.Config) (*types.Config, error)
	Contract() (string, bool, error)
	SetContract(contract string) (string, bool, error)
	Nonce() (*sgx.Nonce, error)
	SetNonce(nonce sgx.Nonce) (*sgx.Nonce, error)
	SeqNum() (uint64, error)
	// IncSeqNum adds n to the sequence number and returns its previous value.
	IncSeqNum(n uint64) (uint64, error)
	// CreateSession stores the contract and the nonce if neither is set yet.
	CreateSession(contract string, nonce sgx.Nonce) error
	Entries() ([]kvstore.Entry, error)
	Restore(entries []kvstore.Entry) error
}

var _ Store = (*DefaultStore)(nil)

// DefaultStore keeps the handshake state in a typed key-value store.
type DefaultStore struct {
	kv kvstore.Transactional
}

func NewDefaultStore(kv kvstore.Transactional) *DefaultStore {
	return &DefaultStore{kv: kv}
}

func optional[V any](v V, found bool, err error) (*V, error) {
	if err != nil || !found {
		return nil, err
	}
	return &v, nil
}

func (s *DefaultStore) Config() (*types.Config, error) {
	return optional[types.Config](kvstore.Get(s.kv, ConfigKey))
}

func (s *DefaultStore) SetConfig(cfg types.Config) (*types.Config, error) {
	return optional[types.Config](kvstore.Set(s.kv, ConfigKey, cfg))
}

func (s *DefaultStore) Contract() (string, bool, error) {
	return kvstore.Get(s.kv, ContractKey)
}

func (s *DefaultStore) SetContract(contract string) (string, bool, error) {
	return kvstore.Set(s.kv, ContractKey, contract)
}

func (s *DefaultStore) Nonce() (*sgx.Nonce, error) {
	return optional[sgx.Nonce](kvstore.Get(s.kv, NonceKey))
}

func (s *DefaultStore) SetNonce(nonce sgx.Nonce) (*sgx.Nonce, error) {
	return optional[sgx.Nonce](kvstore.Set(s.kv, NonceKey, nonce))
}

func (s *DefaultStore) SeqNum() (uint64, error) {
	n, _, err := kvstore.Get(s.kv, SeqNumKey)
	return n, err
}

func (s *DefaultStore) IncSeqNum(n uint64) (uint64, error) {
	var prev uint64
	err := s.kv.Update(func(tx kvstore.Backend) error {
		var err error
		prev, _, err = kvstore.Get(tx, SeqNumKey)
		if err != nil {
			return err
		}
		if prev > math.MaxUint64-n {
			return types.ErrSequenceOverflow
		}
		_, _, err = kvstore.Set(tx, SeqNumKey, prev+n)
		return err
	})
	return prev, err
}

func (s *DefaultStore) CreateSession(contract string, nonce sgx.Nonce) error {
	return s.kv.Update(func(tx kvstore.Backend) error {
		if _, found, err := kvstore.Set(tx, ContractKey, contract); err != nil {
			return err
		} else if found {
			return ErrContractExists
		}
		if _, found, err := kvstore.Set(tx, NonceKey, nonce); err != nil {
			return err
		} else if found {
			return ErrNonceExists
		}
		return nil
	})
}

func (s *DefaultStore) Entries() ([]kvstore.Entry, error) {
	return s.kv.Entries()
}

// Restore writes the entries in a single transaction.
func (s *DefaultStore) Restore(entries []kvstore.Entry) error {
	return s.kv.Update(func(tx kvstore.Backend) error {
		for _, e := range entries {
			if err := tx.Set(e.Key, e.Value); err != nil {
				return err
			}
		}
		return nil
	})
}
