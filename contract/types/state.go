package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// HexBytes is a byte slice encoded as a hex string in JSON. A nil value is encoded as null.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	if h == nil {
		return []byte("null"), nil
	}
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(bz []byte) error {
	if string(bz) == "null" {
		*h = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(bz, &s); err != nil {
		return err
	}
	v, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = v
	return nil
}

func (h HexBytes) String() string {
	return hex.EncodeToString(h)
}

// Duration is a span of time encoded as seconds and nanoseconds.
type Duration struct {
	Secs  uint64 `json:"secs"`
	Nanos uint32 `json:"nanos"`
}

func NewDuration(d time.Duration) Duration {
	return Duration{Secs: uint64(d / time.Second), Nanos: uint32(d % time.Second)}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d.Secs)*time.Second + time.Duration(d.Nanos)
}

// TrustThreshold is a (numerator, denominator) pair.
type TrustThreshold [2]uint64

func (t TrustThreshold) Numerator() uint64 {
	return t[0]
}

func (t TrustThreshold) Denominator() uint64 {
	return t[1]
}

// LightClientOpts configures the light client the enclave runs against the host chain.
type LightClientOpts struct {
	ChainID        string         `json:"chain_id" validate:"required"`
	TrustedHeight  uint64         `json:"trusted_height" validate:"gt=0"`
	TrustedHash    HexBytes       `json:"trusted_hash" validate:"len=32"`
	TrustThreshold TrustThreshold `json:"trust_threshold"`
	TrustingPeriod uint64         `json:"trusting_period" validate:"gt=0"`
	MaxClockDrift  uint64         `json:"max_clock_drift"`
	MaxBlockLag    uint64         `json:"max_block_lag"`
}

func (o LightClientOpts) Validate() error {
	if err := validate.Struct(o); err != nil {
		return errorsmod.Wrapf(ErrInvalidConfig, "light_client_opts: %v", err)
	}
	n, d := o.TrustThreshold.Numerator(), o.TrustThreshold.Denominator()
	switch {
	case d == 0:
		return errorsmod.Wrap(ErrInvalidConfig, "undefined trust threshold")
	case n > d:
		return errorsmod.Wrap(ErrInvalidConfig, "trust threshold too large")
	case n <= math.MaxUint64/3 && 3*n < d:
		return errorsmod.Wrap(ErrInvalidConfig, "trust threshold too small")
	}
	if o.TrustedHeight > math.MaxInt64 {
		return errorsmod.Wrap(ErrInvalidConfig, "trusted height too large")
	}
	return nil
}

// Config is the contract configuration fixed at instantiation.
type Config struct {
	MrEnclave       sgx.MrEnclave   `json:"mr_enclave"`
	EpochDuration   Duration        `json:"epoch_duration"`
	LightClientOpts LightClientOpts `json:"light_client_opts"`
	// TcbInfoContract holds the TCB info that DCAP quotes are verified against. If nil, the
	// TCB info of the quote collateral is used.
	TcbInfoContract *string `json:"tcbinfo_contract"`
}

func (c Config) Validate() error {
	if err := c.LightClientOpts.Validate(); err != nil {
		return err
	}
	if c.TcbInfoContract != nil {
		if _, _, err := bech32.DecodeAndConvert(*c.TcbInfoContract); err != nil {
			return errorsmod.Wrapf(ErrInvalidConfig, "tcbinfo_contract: %v", err)
		}
	}
	return nil
}

// Session is the handshake state shared between the contract and the enclave.
// A session without a public key is Created, one with a public key is Active.
type Session struct {
	Nonce  sgx.Nonce `json:"nonce"`
	PubKey HexBytes  `json:"pub_key"`
}

func NewSession(nonce sgx.Nonce) Session {
	return Session{Nonce: nonce}
}

func (s Session) HasPubKey() bool {
	return s.PubKey != nil
}

// WithPubKey returns an Active copy of the session. It fails with ErrBadSessionTransition if
// a key is already bound and with ErrNonceMismatch if the nonce differs. The receiver is left unchanged.
func (s Session) WithPubKey(nonce sgx.Nonce, pubKey []byte) (Session, error) {
	if s.HasPubKey() {
		return Session{}, errorsmod.Wrap(ErrBadSessionTransition, "session is already active")
	}
	if s.Nonce != nonce {
		return Session{}, errorsmod.Wrapf(ErrNonceMismatch, "expected=%v actual=%v", s.Nonce, nonce)
	}
	return Session{Nonce: s.Nonce, PubKey: bytes.Clone(pubKey)}, nil
}
