package ias

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/oasisprotocol/oasis-core/go/common/sgx/ias"
)

const (
	QuoteOK                                = "OK"
	QuoteSignatureInvalid                  = "SIGNATURE_INVALID"
	QuoteGroupRevoked                      = "GROUP_REVOKED"
	QuoteSignatureRevoked                  = "SIGNATURE_REVOKED"
	QuoteKeyRevoked                        = "KEY_REVOKED"
	QuoteSigRLVersionMismatch              = "SIGRL_VERSION_MISMATCH"
	QuoteGroupOutOfDate                    = "GROUP_OUT_OF_DATE"
	QuoteConfigurationNeeded               = "CONFIGURATION_NEEDED"
	QuoteSwHardeningNeeded                 = "SW_HARDENING_NEEDED"
	QuoteConfigurationAndSwHardeningNeeded = "CONFIGURATION_AND_SW_HARDENING_NEEDED"
)

const Codespace = "epid"

var (
	ErrRecoveredDigestMismatch = errorsmod.Register(Codespace, 1, "recovered digest from signature does not match the specified report")
	ErrInvalidSigningCert      = errorsmod.Register(Codespace, 2, "invalid report signing certificate")
	ErrInvalidReport           = errorsmod.Register(Codespace, 3, "invalid attestation verification report")
)

// IASReport is an attestation verification report as returned by IAS together with its signature.
type IASReport struct {
	// Report is the raw response body; the signature covers these exact bytes.
	Report      json.RawMessage `json:"report"`
	ReportSig   []byte          `json:"reportsig"`
	SigningCert []byte          `json:"signing_cert,omitempty"`
}

type AttestationVerificationReport struct {
	ias.AttestationVerificationReport
}

// GetTimestamp returns the timestamp of attestation.
// The timestamp is truncated to seconds.
func (avr AttestationVerificationReport) GetTimestamp() (time.Time, error) {
	tm, err := time.Parse(ias.TimestampFormat, avr.Timestamp)
	if err != nil {
		return time.Time{}, err
	}
	return tm.Truncate(time.Second), nil
}

// QuoteBody returns the header and report body of the attested quote.
func (avr AttestationVerificationReport) QuoteBody() (sgx.QuoteBody, error) {
	return sgx.ParseQuoteBody(avr.ISVEnclaveQuoteBody)
}

// VerifyReport verifies the report signature.
// If signingCertDer is given, the certificate must be signed by rootKey and valid at currentTime,
// and the report is verified with its key. Otherwise the report is verified with rootKey directly.
func VerifyReport(report []byte, signature []byte, signingCertDer []byte, rootKey *rsa.PublicKey, currentTime time.Time) error {
	if rootKey == nil {
		rootKey = IntelRootKey()
	}
	verifyingKey := rootKey
	if len(signingCertDer) > 0 {
		key, err := verifySigningCert(signingCertDer, rootKey, currentTime)
		if err != nil {
			return err
		}
		verifyingKey = key
	}
	digest := sha256.Sum256(report)
	if err := rsa.VerifyPKCS1v15(verifyingKey, crypto.SHA256, digest[:], signature); err != nil {
		return errorsmod.Wrap(ErrRecoveredDigestMismatch, err.Error())
	}
	return nil
}

func verifySigningCert(der []byte, rootKey *rsa.PublicKey, currentTime time.Time) (*rsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errorsmod.Wrapf(ErrInvalidSigningCert, "failed to parse: %v", err)
	}
	if cert.SignatureAlgorithm != x509.SHA256WithRSA {
		return nil, errorsmod.Wrapf(ErrInvalidSigningCert, "unexpected signature algorithm: %v", cert.SignatureAlgorithm)
	}
	if currentTime.Before(cert.NotBefore) || currentTime.After(cert.NotAfter) {
		return nil, errorsmod.Wrapf(ErrInvalidSigningCert, "certificate is not valid at %v", currentTime)
	}
	tbsDigest := sha256.Sum256(cert.RawTBSCertificate)
	if err := rsa.VerifyPKCS1v15(rootKey, crypto.SHA256, tbsDigest[:], cert.Signature); err != nil {
		return nil, errorsmod.Wrapf(ErrInvalidSigningCert, "certificate is not signed by the root key: %v", err)
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errorsmod.Wrapf(ErrInvalidSigningCert, "unexpected public key type: %T", cert.PublicKey)
	}
	return key, nil
}

// ParseAndValidateAVR decodes the report and validates its fields, including the quote body.
// A debug enclave is accepted only if debug enclaves are allowed.
func ParseAndValidateAVR(report []byte) (*AttestationVerificationReport, error) {
	avr, err := ias.UnsafeDecodeAVR(report)
	if err != nil {
		return nil, errorsmod.Wrap(ErrInvalidReport, err.Error())
	}
	res := &AttestationVerificationReport{AttestationVerificationReport: *avr}
	if _, err := res.QuoteBody(); err != nil {
		return nil, errorsmod.Wrap(ErrInvalidReport, err.Error())
	}
	return res, nil
}

// Verify checks the report signature and decodes the report.
func (r IASReport) Verify(rootKey *rsa.PublicKey, currentTime time.Time) (*AttestationVerificationReport, error) {
	if err := VerifyReport(r.Report, r.ReportSig, r.SigningCert, rootKey, currentTime); err != nil {
		return nil, err
	}
	return ParseAndValidateAVR(r.Report)
}

// QuoteBody extracts the quote body without verifying or validating the report.
func (r IASReport) QuoteBody() (sgx.QuoteBody, error) {
	var avr AttestationVerificationReport
	if err := json.Unmarshal(r.Report, &avr.AttestationVerificationReport); err != nil {
		return nil, errorsmod.Wrapf(ErrInvalidReport, "failed to decode: %v", err)
	}
	return avr.QuoteBody()
}

func (r IASReport) String() string {
	return fmt.Sprintf("IASReport{report=%s}", string(r.Report))
}
