package attestor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/datachainlab/quartz-go/attestation"
	"github.com/datachainlab/quartz-go/sgx"
)

// Attestor produces attestations from inside an enclave.
type Attestor interface {
	// Quote returns a quote whose report data is userData.
	Quote(userData sgx.UserData) ([]byte, error)
	MrEnclave() (sgx.MrEnclave, error)
	// Attestation returns the wire attestation over userData. Attestations of hardware
	// attestors are incomplete until the host adds an IAS report or the DCAP collateral.
	Attestation(userData sgx.UserData) (attestation.RawAttestation, error)
}

type Kind string

const (
	KindEPID Kind = "epid"
	KindDCAP Kind = "dcap"
	KindMock Kind = "mock"

	// DefaultAttestationDir is where Gramine exposes its attestation pseudo-files.
	DefaultAttestationDir = "/dev/attestation"

	userReportDataFile = "user_report_data"
	quoteFile          = "quote"
)

// New returns the attestor for kind. dir is only used by hardware attestors.
func New(kind Kind, dir string) (Attestor, error) {
	switch kind {
	case KindEPID, KindDCAP:
		return NewGramine(kind, dir), nil
	case KindMock:
		return Mock{}, nil
	default:
		return nil, fmt.Errorf("unknown attestation kind: %v", kind)
	}
}

var _ Attestor = (*Gramine)(nil)

// Gramine quotes through the attestation pseudo-files of a Gramine enclave.
type Gramine struct {
	kind Kind
	dir  string

	// writing user data and reading the quote must not interleave
	mu sync.Mutex
}

func NewGramine(kind Kind, dir string) *Gramine {
	if dir == "" {
		dir = DefaultAttestationDir
	}
	return &Gramine{kind: kind, dir: dir}
}

func (g *Gramine) Quote(userData sgx.UserData) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(g.dir, userReportDataFile), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open user report data: %w", err)
	}
	if _, err := f.Write(userData[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write user report data: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write user report data: %w", err)
	}
	quote, err := os.ReadFile(filepath.Join(g.dir, quoteFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read quote: %w", err)
	}
	return quote, nil
}

// MrEnclave reads the measurement from a quote over empty user data.
func (g *Gramine) MrEnclave() (sgx.MrEnclave, error) {
	quote, err := g.Quote(sgx.UserData{})
	if err != nil {
		return sgx.MrEnclave{}, err
	}
	body, err := sgx.ParseQuoteBody(quote)
	if err != nil {
		return sgx.MrEnclave{}, err
	}
	return body.MrEnclave(), nil
}

func (g *Gramine) Attestation(userData sgx.UserData) (attestation.RawAttestation, error) {
	quote, err := g.Quote(userData)
	if err != nil {
		return attestation.RawAttestation{}, err
	}
	if _, err := sgx.ParseQuoteBody(quote); err != nil {
		return attestation.RawAttestation{}, err
	}
	if g.kind == KindEPID {
		return attestation.RawAttestation{EPIDQuote: quote}, nil
	}
	return attestation.RawAttestation{DCAP: &attestation.RawDCAPAttestation{Quote: quote}}, nil
}

var _ Attestor = Mock{}

// Mock returns the user data itself as the quote. Its measurement is all zeros.
type Mock struct{}

func (Mock) Quote(userData sgx.UserData) ([]byte, error) {
	return userData[:], nil
}

func (Mock) MrEnclave() (sgx.MrEnclave, error) {
	return sgx.MrEnclave{}, nil
}

func (Mock) Attestation(userData sgx.UserData) (attestation.RawAttestation, error) {
	return attestation.RawAttestation{Mock: &attestation.RawMockAttestation{UserData: userData}}, nil
}
