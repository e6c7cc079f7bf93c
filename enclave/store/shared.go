package store

import (
	"sync"

	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/datachainlab/quartz-go/enclave/kvstore"
	"github.com/datachainlab/quartz-go/sgx"
)

var _ Store = (*SharedStore)(nil)

// SharedStore serializes writers of an inner Store while letting readers run concurrently.
type SharedStore struct {
	mu    sync.RWMutex
	inner Store
}

func NewSharedStore(inner Store) *SharedStore {
	return &SharedStore{inner: inner}
}

func (s *SharedStore) Config() (*types.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Config()
}

func (s *SharedStore) SetConfig(cfg types.Config) (*types.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SetConfig(cfg)
}

func (s *SharedStore) Contract() (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Contract()
}

func (s *SharedStore) SetContract(contract string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SetContract(contract)
}

func (s *SharedStore) Nonce() (*sgx.Nonce, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Nonce()
}

func (s *SharedStore) SetNonce(nonce sgx.Nonce) (*sgx.Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SetNonce(nonce)
}

func (s *SharedStore) SeqNum() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.SeqNum()
}

func (s *SharedStore) IncSeqNum(n uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.IncSeqNum(n)
}

func (s *SharedStore) CreateSession(contract string, nonce sgx.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.CreateSession(contract, nonce)
}

func (s *SharedStore) Entries() ([]kvstore.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Entries()
}

func (s *SharedStore) Restore(entries []kvstore.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Restore(entries)
}
