package dcap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"math/big"

	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/oasisprotocol/oasis-core/go/common/sgx/pcs"
)

const (
	// AttestationKeyTypeECDSA256 is the only attestation key type of v3 quotes (ECDSA-256 with P-256).
	AttestationKeyTypeECDSA256 = 2
	// CertDataTypePCKCertChain marks certification data carrying the PEM encoded PCK certificate chain.
	CertDataTypePCKCertChain = 5

	ecdsaSignatureSize = 64
	ecdsaPublicKeySize = 64

	// layout of the quote signature data that follows the quote body
	sigDataLenOffset  = sgx.QuoteBodySize
	sigDataOffset     = sigDataLenOffset + 4
	isvSigOffset      = sigDataOffset
	attestKeyOffset   = isvSigOffset + ecdsaSignatureSize
	qeReportOffset    = attestKeyOffset + ecdsaPublicKeySize
	qeReportSigOffset = qeReportOffset + sgx.ReportBodySize
	qeAuthDataOffset  = qeReportSigOffset + ecdsaSignatureSize
)

// Quote is a parsed DCAP v3 quote. The layout is validated by the pcs decoder; the signature
// parts that it keeps private are sliced from the fixed offsets it validated.
type Quote struct {
	raw []byte

	Header            pcs.QuoteHeader
	Report            pcs.SgxReport
	ISVSignature      []byte
	AttestationKey    []byte
	QEReport          []byte
	QEReportSignature []byte
	QEAuthData        []byte

	certData pcs.CertificationData
}

// ParseQuote decodes a v3 ECDSA-P256 SGX quote. Trailing bytes are rejected.
func ParseQuote(raw []byte) (*Quote, error) {
	var pq pcs.Quote
	if err := pq.UnmarshalBinary(raw); err != nil {
		return nil, errorsmod.Wrap(ErrMalformedQuote, err.Error())
	}
	header := pq.Header()
	if header.Version() != QEVersion3 {
		return nil, errorsmod.Wrapf(ErrMalformedQuote, "unsupported quote version: %v", header.Version())
	}
	if header.TeeType() != pcs.TeeTypeSGX {
		return nil, errorsmod.Wrapf(ErrMalformedQuote, "unsupported tee type: %v", header.TeeType())
	}
	sig, ok := pq.Signature().(*pcs.QuoteSignatureECDSA_P256)
	if !ok {
		return nil, errorsmod.Wrapf(ErrMalformedQuote, "unsupported attestation key type: %v", header.AttestationKeyType())
	}
	q := &Quote{raw: raw, Header: header, certData: sig.CertificationData()}
	if err := q.Report.UnmarshalBinary(raw[sgx.QuoteHeaderSize:sgx.QuoteBodySize]); err != nil {
		return nil, errorsmod.Wrap(ErrMalformedQuote, err.Error())
	}
	q.ISVSignature = raw[isvSigOffset:attestKeyOffset]
	q.AttestationKey = raw[attestKeyOffset:qeReportOffset]
	q.QEReport = raw[qeReportOffset:qeReportSigOffset]
	q.QEReportSignature = raw[qeReportSigOffset:qeAuthDataOffset]
	authLen := int(binary.LittleEndian.Uint16(raw[qeAuthDataOffset:]))
	q.QEAuthData = raw[qeAuthDataOffset+2 : qeAuthDataOffset+2+authLen]

	certLen := int(binary.LittleEndian.Uint32(raw[qeAuthDataOffset+2+authLen+2:]))
	if end := qeAuthDataOffset + 2 + authLen + 6 + certLen; end != len(raw) {
		return nil, errorsmod.Wrapf(ErrMalformedQuote, "certification data does not match the quote length: length=%v", certLen)
	}
	return q, nil
}

// Raw returns the encoded quote.
func (q *Quote) Raw() []byte {
	return q.raw
}

func (q *Quote) MrEnclave() sgx.MrEnclave {
	return sgx.MrEnclave(q.Report.AsEnclaveIdentity().MrEnclave)
}

func (q *Quote) UserData() sgx.UserData {
	var ud sgx.UserData
	copy(ud[:], q.Report.ReportData())
	return ud
}

// QuoteBody returns the header followed by the ISV enclave report body.
func (q *Quote) QuoteBody() sgx.QuoteBody {
	return sgx.QuoteBody(q.raw[:sgx.QuoteBodySize])
}

// SignedData returns the bytes covered by the ISV enclave report signature.
func (q *Quote) SignedData() []byte {
	return q.raw[:sgx.QuoteBodySize]
}

// PCKCertChain returns the PCK certificate chain embedded in the certification data.
// The first certificate is the PCK leaf.
func (q *Quote) PCKCertChain() ([]*x509.Certificate, error) {
	chain, ok := q.certData.(*pcs.CertificationData_PCKCertificateChain)
	if !ok {
		return nil, errorsmod.Wrapf(ErrMalformedQuote, "unsupported certification data type: %v", q.certData.CertificationDataType())
	}
	if len(chain.CertificateChain) == 0 {
		return nil, errorsmod.Wrap(ErrMalformedQuote, "no certificate found")
	}
	return chain.CertificateChain, nil
}

// AttestationPublicKey returns the P-256 key that signed the ISV enclave report.
func (q *Quote) AttestationPublicKey() (*ecdsa.PublicKey, error) {
	return rawP256PublicKey(q.AttestationKey)
}

// ParsePEMCertChain decodes a sequence of PEM encoded certificates.
func ParsePEMCertChain(bz []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for rest := bz; len(rest) > 0; {
		cert, next, err := pcs.CertFromPEM(rest)
		if err != nil {
			return nil, err
		}
		if cert == nil {
			break
		}
		certs = append(certs, cert)
		rest = next
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found")
	}
	return certs, nil
}

func rawP256PublicKey(bz []byte) (*ecdsa.PublicKey, error) {
	if len(bz) != ecdsaPublicKeySize {
		return nil, fmt.Errorf("unexpected public key length: %v", len(bz))
	}
	key := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(bz[:32]),
		Y:     new(big.Int).SetBytes(bz[32:]),
	}
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return nil, fmt.Errorf("public key is not on the P-256 curve")
	}
	return key, nil
}

// verifyRawP256 verifies a 64-byte r||s signature over the SHA-256 digest.
func verifyRawP256(key *ecdsa.PublicKey, digest []byte, sig []byte) bool {
	if len(sig) != ecdsaSignatureSize {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(key, digest, r, s)
}
