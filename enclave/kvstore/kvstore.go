package kvstore

import (
	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/fxamacker/cbor/v2"
)

// Backend is a byte-level key-value store. Get returns nil for a missing key.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Transactional is a Backend that can apply a group of writes atomically and enumerate its contents.
type Transactional interface {
	Backend
	// Update runs fn against a transaction. The writes made by fn are applied only if it returns nil.
	Update(fn func(tx Backend) error) error
	Entries() ([]Entry, error)
}

type Entry struct {
	Key   []byte `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint"`
}

// Key binds a key name to the type of the value stored under it.
type Key[V any] struct {
	name      []byte
	deletable bool
}

func NewKey[V any](name string) Key[V] {
	return Key[V]{name: []byte(name)}
}

// NewDeletableKey returns a key whose value can be removed with Delete.
func NewDeletableKey[V any](name string) Key[V] {
	return Key[V]{name: []byte(name), deletable: true}
}

func (k Key[V]) Bytes() []byte {
	return k.name
}

func (k Key[V]) String() string {
	return string(k.name)
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func encode[V any](k Key[V], v V) ([]byte, error) {
	bz, err := encMode.Marshal(v)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrEncode, "key=%v: %v", k, err)
	}
	return bz, nil
}

func decode[V any](k Key[V], bz []byte) (V, error) {
	var v V
	if err := cbor.Unmarshal(bz, &v); err != nil {
		return v, errorsmod.Wrapf(types.ErrDecode, "key=%v: %v", k, err)
	}
	return v, nil
}

// Get returns the value stored under k.
func Get[V any](s Backend, k Key[V]) (V, bool, error) {
	var zero V
	bz, err := s.Get(k.name)
	if err != nil {
		return zero, false, err
	} else if bz == nil {
		return zero, false, nil
	}
	v, err := decode(k, bz)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set stores v under k and returns the value it replaced, if any.
func Set[V any](s Backend, k Key[V], v V) (V, bool, error) {
	var zero V
	prev, found, err := Get(s, k)
	if err != nil {
		return zero, false, err
	}
	bz, err := encode(k, v)
	if err != nil {
		return zero, false, err
	}
	if err := s.Set(k.name, bz); err != nil {
		return zero, false, err
	}
	return prev, found, nil
}

func Delete[V any](s Backend, k Key[V]) error {
	if !k.deletable {
		return errorsmod.Wrapf(types.ErrUnimplemented, "delete: key=%v", k)
	}
	return s.Delete(k.name)
}
