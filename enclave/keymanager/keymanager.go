package keymanager

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyManager holds the secp256k1 session key of the enclave.
type KeyManager interface {
	// KeyGen replaces the current key with a fresh one.
	KeyGen() error
	// PubKey returns the compressed SEC1 public key, or nil before the first KeyGen.
	PubKey() []byte
	PrivKey() *ecdsa.PrivateKey
}

var _ KeyManager = (*DefaultKeyManager)(nil)

type DefaultKeyManager struct {
	sk *ecdsa.PrivateKey
}

func NewDefaultKeyManager() *DefaultKeyManager {
	return &DefaultKeyManager{}
}

func (km *DefaultKeyManager) KeyGen() error {
	sk, err := crypto.GenerateKey()
	if err != nil {
		return errorsmod.Wrapf(types.ErrKeyManager, "failed to generate key: %v", err)
	}
	km.sk = sk
	return nil
}

func (km *DefaultKeyManager) PubKey() []byte {
	if km.sk == nil {
		return nil
	}
	return crypto.CompressPubkey(&km.sk.PublicKey)
}

func (km *DefaultKeyManager) PrivKey() *ecdsa.PrivateKey {
	return km.sk
}

// Shared guards a KeyManager with a read-write lock and adds key export and import.
type Shared struct {
	mu    sync.RWMutex
	inner KeyManager
}

var _ KeyManager = (*Shared)(nil)

func NewShared(inner KeyManager) *Shared {
	return &Shared{inner: inner}
}

func (s *Shared) KeyGen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.KeyGen()
}

func (s *Shared) PubKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.PubKey()
}

func (s *Shared) PrivKey() *ecdsa.PrivateKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.PrivKey()
}

// EnsureKey generates a key unless one is already held, and returns the public key.
func (s *Shared) EnsureKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pk := s.inner.PubKey(); pk != nil {
		return pk, nil
	}
	if err := s.inner.KeyGen(); err != nil {
		return nil, err
	}
	return s.inner.PubKey(), nil
}

// Sign signs the SHA-256 digest of msg with the session key. The signature is r||s||v.
func (s *Shared) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return s.SignDigest(digest[:])
}

// SignDigest signs a 32-byte digest with the session key.
func (s *Shared) SignDigest(digest []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk := s.inner.PrivKey()
	if sk == nil {
		return nil, errorsmod.Wrap(types.ErrKeyManager, "no key")
	}
	return crypto.Sign(digest, sk)
}

// Export returns the 32-byte private scalar. It returns nil before the first KeyGen.
func (s *Shared) Export() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk := s.inner.PrivKey()
	if sk == nil {
		return nil
	}
	return crypto.FromECDSA(sk)
}

// Import replaces the key with the exported scalar bz. The current key is kept on failure.
func (s *Shared) Import(bz []byte) error {
	sk, err := crypto.ToECDSA(bz)
	if err != nil {
		return errorsmod.Wrapf(types.ErrKeyManager, "failed to import key: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner = &DefaultKeyManager{sk: sk}
	return nil
}
