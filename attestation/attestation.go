package attestation

import (
	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/datachainlab/quartz-go/sgx/dcap"
	"github.com/datachainlab/quartz-go/sgx/ias"
	mapset "github.com/deckarep/golang-set/v2"
)

// Attestation is a proof that some user data was produced by an enclave with a given measurement.
type Attestation interface {
	MrEnclave() sgx.MrEnclave
	UserData() sgx.UserData
	// Verify checks the backend proof. It does not compare the measurement or user data.
	Verify(opts VerifyOptions) error
}

var (
	_ Attestation = (*EPIDAttestation)(nil)
	_ Attestation = (*DCAPAttestation)(nil)
	_ Attestation = (*MockAttestation)(nil)
)

// EPIDAttestation is an IAS attestation verification report.
type EPIDAttestation struct {
	Report ias.IASReport
	body   sgx.QuoteBody
}

func NewEPIDAttestation(report ias.IASReport) (*EPIDAttestation, error) {
	body, err := report.QuoteBody()
	if err != nil {
		return nil, errorsmod.Wrap(ErrMalformedAttestation, err.Error())
	}
	return &EPIDAttestation{Report: report, body: body}, nil
}

func (a *EPIDAttestation) MrEnclave() sgx.MrEnclave {
	return a.body.MrEnclave()
}

func (a *EPIDAttestation) UserData() sgx.UserData {
	return a.body.UserData()
}

func (a *EPIDAttestation) Verify(opts VerifyOptions) error {
	// the report decoder rejects debug enclaves too, but with a less specific error
	if a.body.IsDebug() && !sgx.AllowDebugEnclaves() {
		return ErrDebugEnclave
	}
	avr, err := a.Report.Verify(opts.EPIDRootKey, opts.CurrentTime)
	if err != nil {
		return err
	}
	status := avr.ISVEnclaveQuoteStatus.String()
	if status != ias.QuoteOK && !mapset.NewThreadUnsafeSet(opts.AllowedQuoteStatuses...).Contains(status) {
		return errorsmod.Wrapf(ErrQuoteStatus, "status=%v", status)
	}
	allowed := mapset.NewThreadUnsafeSet(opts.AllowedAdvisories...)
	for _, id := range avr.AdvisoryIDs {
		if !allowed.Contains(id) {
			return errorsmod.Wrapf(ErrAdvisoryNotAllowed, "advisory_id=%v", id)
		}
	}
	return nil
}

// DCAPAttestation is a v3 quote with the collateral required to verify it.
type DCAPAttestation struct {
	Quote      []byte
	Collateral *dcap.Collateral

	mrEnclave sgx.MrEnclave
	userData  sgx.UserData
	output    *dcap.QuoteVerificationOutput
}

func NewDCAPAttestation(quote []byte, collateral *dcap.Collateral) (*DCAPAttestation, error) {
	q, err := dcap.ParseQuote(quote)
	if err != nil {
		return nil, errorsmod.Wrap(ErrMalformedAttestation, err.Error())
	}
	if collateral == nil {
		return nil, errorsmod.Wrap(ErrMalformedAttestation, "collateral must be set")
	}
	return &DCAPAttestation{Quote: quote, Collateral: collateral, mrEnclave: q.MrEnclave(), userData: q.UserData()}, nil
}

func (a *DCAPAttestation) MrEnclave() sgx.MrEnclave {
	return a.mrEnclave
}

func (a *DCAPAttestation) UserData() sgx.UserData {
	return a.userData
}

// Output returns the output of the last successful Verify, or nil.
func (a *DCAPAttestation) Output() *dcap.QuoteVerificationOutput {
	return a.output
}

// Verify verifies the quote, accepting only the trusted measurement of opts.
// If a TCB info source is configured, the TCB info of the collateral is replaced by the one
// it returns for the platform FMSPC.
func (a *DCAPAttestation) Verify(opts VerifyOptions) error {
	collateral := a.Collateral
	var expectedFmspc *dcap.Fmspc
	if opts.TcbInfoSource != nil {
		fmspc, err := a.Collateral.Fmspc()
		if err != nil {
			return errorsmod.Wrap(dcap.ErrInvalidFmspc, err.Error())
		}
		tcbInfo, err := opts.TcbInfoSource.TcbInfo(fmspc)
		if err != nil {
			return errorsmod.Wrapf(ErrTcbInfoQuery, "fmspc=%v: %v", fmspc, err)
		}
		collateral = a.Collateral.WithTcbInfo(tcbInfo)
		expectedFmspc = &fmspc
	}
	identity := dcap.NewMrEnclaveIdentity(opts.TrustedMrEnclave)
	if len(opts.AllowedAdvisories) > 0 {
		identity.AllowedAdvisories = opts.AllowedAdvisories
	}
	out, err := dcap.VerifyQuote(a.Quote, collateral, dcap.VerifyOptions{
		RootCert:          opts.DCAPRootCert,
		CurrentTime:       opts.CurrentTime,
		TrustedIdentities: []dcap.TrustedIdentity{identity},
		ExpectedFmspc:     expectedFmspc,
	})
	if err != nil {
		return err
	}
	a.output = out
	return nil
}

// MockAttestation carries user data without any proof. Its measurement is all zeros.
type MockAttestation struct {
	Data sgx.UserData
}

func (a *MockAttestation) MrEnclave() sgx.MrEnclave {
	return sgx.MrEnclave{}
}

func (a *MockAttestation) UserData() sgx.UserData {
	return a.Data
}

func (a *MockAttestation) Verify(opts VerifyOptions) error {
	if !opts.AllowMock {
		return ErrMockAttestationDisabled
	}
	return nil
}
