package attestation

import (
	"encoding/json"

	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/datachainlab/quartz-go/sgx/dcap"
	"github.com/datachainlab/quartz-go/sgx/ias"
)

// RawDCAPAttestation is the wire form of a DCAP attestation. The collateral is CBOR encoded.
type RawDCAPAttestation struct {
	Quote      []byte `json:"quote"`
	Collateral []byte `json:"collateral"`
}

type RawMockAttestation struct {
	UserData sgx.UserData `json:"user_data"`
}

// RawAttestation is the wire form of an attestation. Exactly one of EPID, DCAP and Mock is set.
// EPIDQuote holds a quote produced by an enclave that still has to be exchanged for an IAS report.
type RawAttestation struct {
	EPID      *ias.IASReport      `json:"epid,omitempty"`
	DCAP      *RawDCAPAttestation `json:"dcap,omitempty"`
	Mock      *RawMockAttestation `json:"mock,omitempty"`
	EPIDQuote []byte              `json:"epid_quote,omitempty"`
}

// Incomplete reports whether the attestation still needs an IAS report or DCAP collateral.
func (r RawAttestation) Incomplete() bool {
	return (r.EPID == nil && r.EPIDQuote != nil) || (r.DCAP != nil && len(r.DCAP.Collateral) == 0)
}

// Attestation decodes the wire form into a backend attestation.
func (r RawAttestation) Attestation() (Attestation, error) {
	if r.Incomplete() {
		return nil, errorsmod.Wrap(ErrMalformedAttestation, "attestation is incomplete")
	}
	n := 0
	for _, set := range []bool{r.EPID != nil, r.DCAP != nil, r.Mock != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return nil, errorsmod.Wrapf(ErrMalformedAttestation, "exactly one attestation type must be set: got=%v", n)
	}
	switch {
	case r.EPID != nil:
		return NewEPIDAttestation(*r.EPID)
	case r.DCAP != nil:
		collateral, err := dcap.DecodeCollateral(r.DCAP.Collateral)
		if err != nil {
			return nil, errorsmod.Wrap(ErrMalformedAttestation, err.Error())
		}
		return NewDCAPAttestation(r.DCAP.Quote, collateral)
	default:
		return &MockAttestation{Data: r.Mock.UserData}, nil
	}
}

// NewRawAttestation returns the wire form of a.
func NewRawAttestation(a Attestation) (RawAttestation, error) {
	switch a := a.(type) {
	case *EPIDAttestation:
		report := a.Report
		return RawAttestation{EPID: &report}, nil
	case *DCAPAttestation:
		collateral, err := a.Collateral.MarshalCBOR()
		if err != nil {
			return RawAttestation{}, err
		}
		return RawAttestation{DCAP: &RawDCAPAttestation{Quote: a.Quote, Collateral: collateral}}, nil
	case *MockAttestation:
		return RawAttestation{Mock: &RawMockAttestation{UserData: a.Data}}, nil
	default:
		return RawAttestation{}, errorsmod.Wrapf(ErrMalformedAttestation, "unknown attestation type: %T", a)
	}
}

// RawAttested is the wire form of an attested message.
type RawAttested[M UserDataProvider] struct {
	Msg         M              `json:"msg"`
	Attestation RawAttestation `json:"attestation"`
}

func (r RawAttested[M]) Attested() (Attested[M], error) {
	a, err := r.Attestation.Attestation()
	if err != nil {
		return Attested[M]{}, err
	}
	return Attested[M]{Msg: r.Msg, Attestation: a}, nil
}

// DecodeAttested decodes a JSON attested message and verifies it.
func DecodeAttested[M UserDataProvider](bz []byte, trusted sgx.MrEnclave, v *Verifier) (M, error) {
	var zero M
	var raw RawAttested[M]
	if err := json.Unmarshal(bz, &raw); err != nil {
		return zero, errorsmod.Wrapf(ErrMalformedAttestation, "failed to decode attested message: %v", err)
	}
	a, err := raw.Attested()
	if err != nil {
		return zero, err
	}
	return Verify(a, trusted, v)
}
