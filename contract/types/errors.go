package types

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/attestation"
	"github.com/datachainlab/quartz-go/sgx/dcap"
	"github.com/datachainlab/quartz-go/sgx/ias"
)

const (
	ModuleName     = "quartz"
	StoreCodespace = "quartz-store"
)

var (
	ErrBadSessionTransition  = errorsmod.Register(ModuleName, 1, "bad session transition")
	ErrContractAddrMismatch  = errorsmod.Register(ModuleName, 2, "contract address mismatch")
	ErrMissingSessionPubKey  = errorsmod.Register(ModuleName, 3, "session public key not set")
	ErrDuplicateEntry        = errorsmod.Register(ModuleName, 4, "duplicate entry")
	ErrSignatureVerification = errorsmod.Register(ModuleName, 5, "signature verification failed")
	ErrSequenceMismatch      = errorsmod.Register(ModuleName, 6, "sequence number mismatch")
	ErrSequenceOverflow      = errorsmod.Register(ModuleName, 7, "sequence number overflow")
	ErrNotInstantiated       = errorsmod.Register(ModuleName, 8, "not instantiated")
	ErrAlreadyInstantiated   = errorsmod.Register(ModuleName, 9, "already instantiated")
	ErrInvalidConfig         = errorsmod.Register(ModuleName, 10, "invalid config")
	ErrSessionNotFound       = errorsmod.Register(ModuleName, 11, "session not found")
	ErrInvalidMessage        = errorsmod.Register(ModuleName, 12, "invalid message")
	ErrInvalidPubKey         = errorsmod.Register(ModuleName, 13, "invalid public key")
	ErrReplayAttempt         = errorsmod.Register(ModuleName, 14, "replay attempt")
	ErrSeqNumInconsistency   = errorsmod.Register(ModuleName, 15, "sequence number inconsistency")
	ErrNonceMismatch         = errorsmod.Register(ModuleName, 16, "nonce mismatch")
)

var (
	ErrEncode        = errorsmod.Register(StoreCodespace, 1, "failed to encode value")
	ErrDecode        = errorsmod.Register(StoreCodespace, 2, "failed to decode value")
	ErrStoreIO       = errorsmod.Register(StoreCodespace, 3, "store I/O failure")
	ErrUnimplemented = errorsmod.Register(StoreCodespace, 4, "operation not implemented for this key")
	ErrKeyManager    = errorsmod.Register(StoreCodespace, 5, "key manager failure")
)

// ErrorClass tells apart the layers an error can originate from.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassAttestation
	ClassProtocol
	ClassStorage
)

func (c ErrorClass) String() string {
	switch c {
	case ClassAttestation:
		return "attestation"
	case ClassProtocol:
		return "protocol"
	case ClassStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Classify returns the layer the error originates from, based on the codespace of the
// outermost registered error in its chain.
func Classify(err error) ErrorClass {
	var e *errorsmod.Error
	if !errors.As(err, &e) {
		return ClassUnknown
	}
	switch e.Codespace() {
	case attestation.Codespace, ias.Codespace, dcap.Codespace:
		return ClassAttestation
	case ModuleName:
		return ClassProtocol
	case StoreCodespace:
		return ClassStorage
	default:
		return ClassUnknown
	}
}
