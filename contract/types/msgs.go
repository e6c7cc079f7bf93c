package types

import (
	"crypto/sha256"
	"encoding/json"

	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/attestation"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	_ attestation.UserDataProvider = RawInstantiate{}
	_ attestation.UserDataProvider = RawSessionCreate{}
	_ attestation.UserDataProvider = RawSessionSetPubKey{}
)

// RawInstantiate carries the configuration the enclave attests to at instantiation.
type RawInstantiate struct {
	Config Config `json:"config"`
}

func (m RawInstantiate) UserData() (sgx.UserData, error) {
	return sgx.UserDataFromJSON(m)
}

// RawSessionCreate announces the nonce of a new session for a contract.
type RawSessionCreate struct {
	Nonce    sgx.Nonce `json:"nonce"`
	Contract string    `json:"contract"`
}

func (m RawSessionCreate) UserData() (sgx.UserData, error) {
	return sgx.UserDataFromJSON(m)
}

// RawSessionSetPubKey binds a session public key to the nonce of the session.
type RawSessionSetPubKey struct {
	Nonce  sgx.Nonce `json:"nonce"`
	PubKey HexBytes  `json:"pub_key"`
}

func (m RawSessionSetPubKey) UserData() (sgx.UserData, error) {
	return sgx.UserDataFromJSON(m)
}

type (
	AttestedInstantiate      = attestation.RawAttested[RawInstantiate]
	AttestedSessionCreate    = attestation.RawAttested[RawSessionCreate]
	AttestedSessionSetPubKey = attestation.RawAttested[RawSessionSetPubKey]
)

// Sequenced is an application message bound to the next sequence number.
type Sequenced struct {
	SeqNum uint64          `json:"seq_num"`
	Msg    json.RawMessage `json:"msg"`
}

// RawSigned is a message signed with the session key. The signature covers the exact bytes of Msg.
type RawSigned struct {
	Msg json.RawMessage `json:"msg"`
	Sig HexBytes        `json:"sig"`
}

// NewRawSigned marshals msg and signs it with the session key.
func NewRawSigned(msg any, sign func(digest []byte) ([]byte, error)) (*RawSigned, error) {
	bz, err := json.Marshal(msg)
	if err != nil {
		return nil, errorsmod.Wrap(ErrInvalidMessage, err.Error())
	}
	digest := sha256.Sum256(bz)
	sig, err := sign(digest[:])
	if err != nil {
		return nil, err
	}
	return &RawSigned{Msg: bz, Sig: sig}, nil
}

// ValidatePubKey checks that pubKey is a SEC1 encoded secp256k1 public key.
func ValidatePubKey(pubKey []byte) error {
	switch len(pubKey) {
	case 33:
		if _, err := crypto.DecompressPubkey(pubKey); err != nil {
			return errorsmod.Wrap(ErrInvalidPubKey, err.Error())
		}
	case 65:
		if _, err := crypto.UnmarshalPubkey(pubKey); err != nil {
			return errorsmod.Wrap(ErrInvalidPubKey, err.Error())
		}
	default:
		return errorsmod.Wrapf(ErrInvalidPubKey, "unexpected length: %v", len(pubKey))
	}
	return nil
}

// VerifySignature verifies a secp256k1 signature over the SHA-256 digest of msg.
// The signature is r||s, optionally followed by a recovery id.
func VerifySignature(pubKey []byte, msg []byte, sig []byte) error {
	if l := len(sig); l != 64 && l != 65 {
		return errorsmod.Wrapf(ErrSignatureVerification, "unexpected signature length: %v", l)
	}
	digest := sha256.Sum256(msg)
	if !crypto.VerifySignature(pubKey, digest[:], sig[:64]) {
		return errorsmod.Wrap(ErrSignatureVerification, "invalid signature")
	}
	return nil
}

// ExecuteMsg is the execute envelope of the contract. Exactly one field is set.
type ExecuteMsg struct {
	SessionCreate    *AttestedSessionCreate    `json:"session_create,omitempty"`
	SessionSetPubKey *AttestedSessionSetPubKey `json:"session_set_pub_key,omitempty"`
	Signed           *RawSigned                `json:"signed,omitempty"`
}

func (m ExecuteMsg) ValidateBasic() error {
	n := 0
	for _, set := range []bool{m.SessionCreate != nil, m.SessionSetPubKey != nil, m.Signed != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errorsmod.Wrapf(ErrInvalidMessage, "exactly one message must be set: got=%v", n)
	}
	return nil
}
