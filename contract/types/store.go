package types

import (
	"encoding/json"

	errorsmod "cosmossdk.io/errors"
	storetypes "cosmossdk.io/store/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
)

var (
	KeyConfig       = []byte("quartz_config")
	KeySession      = []byte("quartz_session")
	KeySequenceNum  = []byte("quartz_sequence_num")
	KeyContract     = []byte("quartz_contract")
	KeyEpochCounter = []byte("epoch_counter")
)

func getJSON(store storetypes.KVStore, key []byte, v any) (bool, error) {
	bz := store.Get(key)
	if bz == nil {
		return false, nil
	}
	if err := json.Unmarshal(bz, v); err != nil {
		return false, errorsmod.Wrapf(ErrDecode, "key=%s: %v", key, err)
	}
	return true, nil
}

func setJSON(store storetypes.KVStore, key []byte, v any) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return errorsmod.Wrapf(ErrEncode, "key=%s: %v", key, err)
	}
	store.Set(key, bz)
	return nil
}

// GetConfig returns the stored config. An error is returned if the contract was not instantiated.
func GetConfig(store storetypes.KVStore) (*Config, error) {
	var cfg Config
	found, err := getJSON(store, KeyConfig, &cfg)
	if err != nil {
		return nil, err
	} else if !found {
		return nil, ErrNotInstantiated
	}
	return &cfg, nil
}

func HasConfig(store storetypes.KVStore) bool {
	return store.Has(KeyConfig)
}

func SetConfig(store storetypes.KVStore, cfg Config) error {
	return setJSON(store, KeyConfig, cfg)
}

// GetSession returns the stored session, if any.
func GetSession(store storetypes.KVStore) (*Session, bool, error) {
	var s Session
	found, err := getJSON(store, KeySession, &s)
	if err != nil || !found {
		return nil, false, err
	}
	return &s, true, nil
}

func SetSession(store storetypes.KVStore, s Session) error {
	return setJSON(store, KeySession, s)
}

// GetContract returns the contract address bound to the session.
func GetContract(store storetypes.KVStore) (string, bool, error) {
	var addr string
	found, err := getJSON(store, KeyContract, &addr)
	return addr, found, err
}

func SetContract(store storetypes.KVStore, addr string) error {
	return setJSON(store, KeyContract, addr)
}

// GetSequenceNum returns the sequence counter. The counter is big-endian encoded.
func GetSequenceNum(store storetypes.KVStore) (uint64, bool, error) {
	bz := store.Get(KeySequenceNum)
	if bz == nil {
		return 0, false, nil
	}
	if len(bz) != 8 {
		return 0, false, errorsmod.Wrapf(ErrDecode, "key=%s: unexpected length %v", KeySequenceNum, len(bz))
	}
	return sdk.BigEndianToUint64(bz), true, nil
}

func SetSequenceNum(store storetypes.KVStore, n uint64) {
	store.Set(KeySequenceNum, sdk.Uint64ToBigEndian(n))
}

func GetEpochCounter(store storetypes.KVStore) (uint64, bool, error) {
	bz := store.Get(KeyEpochCounter)
	if bz == nil {
		return 0, false, nil
	}
	if len(bz) != 8 {
		return 0, false, errorsmod.Wrapf(ErrDecode, "key=%s: unexpected length %v", KeyEpochCounter, len(bz))
	}
	return sdk.BigEndianToUint64(bz), true, nil
}

func SetEpochCounter(store storetypes.KVStore, n uint64) {
	store.Set(KeyEpochCounter, sdk.Uint64ToBigEndian(n))
}
