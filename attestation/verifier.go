package attestation

import (
	"crypto/rsa"
	"crypto/x509"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/datachainlab/quartz-go/sgx/dcap"
)

// TcbInfoSource returns the signed TCB info document trusted for a platform family.
type TcbInfoSource interface {
	TcbInfo(fmspc dcap.Fmspc) ([]byte, error)
}

// VerifyOptions are the per-verification inputs passed to an Attestation backend.
type VerifyOptions struct {
	TrustedMrEnclave sgx.MrEnclave
	CurrentTime      time.Time

	EPIDRootKey          *rsa.PublicKey
	AllowedQuoteStatuses []string

	DCAPRootCert  *x509.Certificate
	TcbInfoSource TcbInfoSource

	AllowedAdvisories []string
	AllowMock         bool
}

// Verifier holds the verification policy shared by every attested message.
type Verifier struct {
	epidRootKey          *rsa.PublicKey
	dcapRootCert         *x509.Certificate
	allowedQuoteStatuses []string
	allowedAdvisories    []string
	tcbInfoSource        TcbInfoSource
	allowMock            bool
	now                  func() time.Time
}

type Option func(*Verifier)

// WithEPIDRootKey overrides the Intel root key used to verify IAS reports.
func WithEPIDRootKey(key *rsa.PublicKey) Option {
	return func(v *Verifier) { v.epidRootKey = key }
}

// WithDCAPRootCert overrides the Intel SGX Root CA used to verify DCAP quotes.
func WithDCAPRootCert(cert *x509.Certificate) Option {
	return func(v *Verifier) { v.dcapRootCert = cert }
}

func WithAllowedQuoteStatuses(statuses ...string) Option {
	return func(v *Verifier) { v.allowedQuoteStatuses = statuses }
}

func WithAllowedAdvisories(ids ...string) Option {
	return func(v *Verifier) { v.allowedAdvisories = ids }
}

func WithTcbInfoSource(src TcbInfoSource) Option {
	return func(v *Verifier) { v.tcbInfoSource = src }
}

// WithMockAttestation makes the verifier accept mock attestations.
// It must only be used for testing.
func WithMockAttestation() Option {
	return func(v *Verifier) { v.allowMock = true }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		allowedAdvisories: append([]string(nil), dcap.DefaultAllowedAdvisories...),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// With returns a copy of the verifier with opts applied.
func (v *Verifier) With(opts ...Option) *Verifier {
	cp := *v
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

func (v *Verifier) options(trusted sgx.MrEnclave, now time.Time) VerifyOptions {
	return VerifyOptions{
		TrustedMrEnclave:     trusted,
		CurrentTime:          now,
		EPIDRootKey:          v.epidRootKey,
		AllowedQuoteStatuses: v.allowedQuoteStatuses,
		DCAPRootCert:         v.dcapRootCert,
		TcbInfoSource:        v.tcbInfoSource,
		AllowedAdvisories:    v.allowedAdvisories,
		AllowMock:            v.allowMock,
	}
}

// UserDataProvider is a message whose content can be bound to an attestation.
type UserDataProvider interface {
	UserData() (sgx.UserData, error)
}

// Attested is a message together with the attestation over its user data.
type Attested[M UserDataProvider] struct {
	Msg         M
	Attestation Attestation
}

// Verify checks that the attestation was produced by the trusted enclave over exactly this
// message, and returns the message. The checks run in order: measurement, user data, then the
// backend proof. Nothing is persisted.
func Verify[M UserDataProvider](a Attested[M], trusted sgx.MrEnclave, v *Verifier) (M, error) {
	var zero M
	if a.Attestation == nil {
		return zero, errorsmod.Wrap(ErrMalformedAttestation, "attestation must be set")
	}
	if mr := a.Attestation.MrEnclave(); mr != trusted {
		return zero, errorsmod.Wrapf(ErrMrEnclaveMismatch, "expected=%v actual=%v", trusted, mr)
	}
	expected, err := a.Msg.UserData()
	if err != nil {
		return zero, errorsmod.Wrapf(ErrUserDataMismatch, "failed to compute user data: %v", err)
	}
	// the whole report data must match, including the zero half
	if actual := a.Attestation.UserData(); expected != actual {
		return zero, errorsmod.Wrapf(ErrUserDataMismatch, "expected=%v actual=%v", expected, a.Attestation.UserData())
	}
	if err := a.Attestation.Verify(v.options(trusted, v.now())); err != nil {
		return zero, err
	}
	return a.Msg, nil
}
