package dcap

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/datachainlab/quartz-go/sgx"
	mapset "github.com/deckarep/golang-set/v2"
)

// qe report body offsets
const (
	reportMiscSelectOffset = 16
	reportMrSignerOffset   = 128
	reportISVProdIDOffset  = 256
	reportISVSVNOffset     = 258
	reportDataOffset       = 320
)

// VerifyOptions configures a quote verification.
type VerifyOptions struct {
	// RootCert is the trust anchor of every chain. The Intel SGX Root CA is used if nil.
	RootCert *x509.Certificate
	// CurrentTime is the time at which certificates, CRLs and collateral must be valid.
	CurrentTime time.Time
	// TrustedIdentities lists the accepted enclaves. Verification fails if none matches.
	TrustedIdentities []TrustedIdentity
	// ExpectedFmspc optionally pins the platform family, e.g. to the on-chain TCB info.
	ExpectedFmspc *Fmspc
}

// VerifyQuote verifies a v3 quote against its collateral.
// Every failure is a *VerificationError.
func VerifyQuote(rawQuote []byte, collateral *Collateral, opts VerifyOptions) (*QuoteVerificationOutput, error) {
	root := opts.RootCert
	if root == nil {
		root = IntelRootCert()
	}
	now := opts.CurrentTime
	if now.IsZero() {
		return nil, verificationError(nil, "current time must be set")
	}
	if collateral == nil {
		return nil, verificationError(nil, "collateral must be set")
	}

	quote, err := ParseQuote(rawQuote)
	if err != nil {
		return nil, &VerificationError{Err: err}
	}
	var validity ValidityIntersection

	pckChain, err := quote.PCKCertChain()
	if err != nil {
		return nil, &VerificationError{Err: err}
	}
	if err := verifyCertChain(pckChain, root, now, &validity); err != nil {
		return nil, verificationError(nil, "invalid PCK chain: %v", err)
	}
	if err := checkRevocations(collateral, pckChain, root, now, &validity); err != nil {
		return nil, verificationError(nil, "revocation check failed: %v", err)
	}

	pckExts, err := ParsePCKExtensions(pckChain[0])
	if err != nil {
		return nil, &VerificationError{Err: err}
	}
	if opts.ExpectedFmspc != nil && *opts.ExpectedFmspc != pckExts.Fmspc {
		return nil, verificationError(nil, "unexpected FMSPC: expected=%v actual=%v", opts.ExpectedFmspc, pckExts.Fmspc)
	}

	tcbInfo, err := collateral.ParseTCBInfo(root, now, &validity)
	if err != nil {
		return nil, &VerificationError{Err: err}
	}
	infoFmspc, err := ParseFmspc(tcbInfo.Fmspc)
	if err != nil {
		return nil, &VerificationError{Err: err}
	}
	if infoFmspc != pckExts.Fmspc {
		return nil, verificationError(nil, "FMSPC mismatch between PCK certificate and TCB info: pck=%v tcb_info=%v", pckExts.Fmspc, infoFmspc)
	}
	qeIdentity, err := collateral.ParseQEIdentity(root, now, &validity)
	if err != nil {
		return nil, &VerificationError{Err: err}
	}

	if err := verifyQEReport(quote, pckChain[0]); err != nil {
		return nil, &VerificationError{Err: err}
	}
	qeStatus, qeAdvisories, err := matchQEIdentity(qeIdentity, quote.QEReport)
	if err != nil {
		return nil, &VerificationError{Err: err}
	}
	platformLevel, err := matchTCBLevel(tcbInfo, pckExts)
	if err != nil {
		return nil, &VerificationError{Err: err}
	}
	platformStatus, err := TCBStatusFromString(platformLevel.TCBStatus)
	if err != nil {
		return nil, &VerificationError{Err: err}
	}

	attKey, err := quote.AttestationPublicKey()
	if err != nil {
		return nil, verificationError(nil, "invalid attestation key: %v", err)
	}
	digest := sha256.Sum256(quote.SignedData())
	if !verifyRawP256(attKey, digest[:], quote.ISVSignature) {
		return nil, verificationError(nil, "invalid ISV enclave report signature")
	}

	minEval := tcbInfo.TCBEvaluationDataNumber
	if qeIdentity.TCBEvaluationDataNumber < minEval {
		minEval = qeIdentity.TCBEvaluationDataNumber
	}
	advisories := mapset.NewThreadUnsafeSet(platformLevel.AdvisoryIDs...).Union(mapset.NewThreadUnsafeSet(qeAdvisories...)).ToSlice()
	slices.Sort(advisories)
	out := &QuoteVerificationOutput{
		Version:                    QuoteVerificationOutputVersion,
		QuoteVersion:               quote.Header.Version(),
		TeeType:                    uint32(quote.Header.TeeType()),
		TcbStatus:                  mergeTCBStatus(platformStatus, qeStatus),
		MinTCBEvaluationDataNumber: minEval,
		Fmspc:                      pckExts.Fmspc,
		SGXIntelRootCAHash:         HashRootCert(root),
		Validity:                   validity,
		QuoteBody:                  quote.Report,
		AdvisoryIds:                advisories,
	}

	if out.IsDebug() && !sgx.AllowDebugEnclaves() {
		return nil, verificationError(out, "debug enclave is not allowed")
	}
	if !out.Validity.ValidateTime(now) {
		return nil, verificationError(out, "current time is outside of the validity intersection")
	}
	if err := MatchIdentities(opts.TrustedIdentities, quote.QuoteBody(), out.TcbStatus, out.AdvisoryIds); err != nil {
		return nil, &VerificationError{Output: out, Err: err}
	}
	return out, nil
}

func checkRevocations(collateral *Collateral, pckChain []*x509.Certificate, root *x509.Certificate, now time.Time, validity *ValidityIntersection) error {
	rootCRL, err := parseCRL(collateral.RootCaCrl, root, now, validity)
	if err != nil {
		return fmt.Errorf("root CA CRL: %w", err)
	}
	for _, c := range pckChain[1:] {
		if isRevoked(rootCRL, c) {
			return fmt.Errorf("certificate is revoked: subject=%v", c.Subject)
		}
	}
	issuers, err := verifyIssuerChain(collateral.PckCrlIssuerChain, root, now, validity)
	if err != nil {
		return fmt.Errorf("PCK CRL issuer chain: %w", err)
	}
	pckCRL, err := parseCRL(collateral.PckCrl, issuers[0], now, validity)
	if err != nil {
		return fmt.Errorf("PCK CRL: %w", err)
	}
	if !bytes.Equal(pckCRL.RawIssuer, pckChain[0].RawIssuer) {
		return fmt.Errorf("PCK CRL is not issued by the PCK certificate issuer")
	}
	if isRevoked(pckCRL, pckChain[0]) {
		return fmt.Errorf("PCK certificate is revoked")
	}
	return nil
}

// verifyQEReport checks that the PCK key signed the QE report and that the QE report
// binds the attestation key.
func verifyQEReport(quote *Quote, pck *x509.Certificate) error {
	key, ok := pck.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("unexpected PCK key type: %T", pck.PublicKey)
	}
	digest := sha256.Sum256(quote.QEReport)
	if !verifyRawP256(key, digest[:], quote.QEReportSignature) {
		return fmt.Errorf("invalid QE report signature")
	}
	h := sha256.New()
	h.Write(quote.AttestationKey)
	h.Write(quote.QEAuthData)
	expected := h.Sum(nil)
	if !bytes.Equal(expected, quote.QEReport[reportDataOffset:reportDataOffset+32]) {
		return fmt.Errorf("QE report data does not bind the attestation key")
	}
	return nil
}

func matchQEIdentity(identity *QEIdentity, qeReport []byte) (TCBStatus, []string, error) {
	mrSigner, err := hex.DecodeString(identity.MrSigner)
	if err != nil || len(mrSigner) != 32 {
		return 0, nil, fmt.Errorf("invalid QE identity mrsigner: %v", identity.MrSigner)
	}
	if !bytes.Equal(mrSigner, qeReport[reportMrSignerOffset:reportMrSignerOffset+32]) {
		return 0, nil, fmt.Errorf("QE mrsigner mismatch")
	}
	if binary.LittleEndian.Uint16(qeReport[reportISVProdIDOffset:]) != identity.ISVProdID {
		return 0, nil, fmt.Errorf("QE isvprodid mismatch")
	}
	if err := matchMasked(identity.MiscSelect, identity.MiscSelectMask, qeReport[reportMiscSelectOffset:reportMiscSelectOffset+4]); err != nil {
		return 0, nil, fmt.Errorf("QE miscselect mismatch: %w", err)
	}
	if err := matchMasked(identity.Attributes, identity.AttributesMask, qeReport[reportAttributesOffset:reportAttributesOffset+16]); err != nil {
		return 0, nil, fmt.Errorf("QE attributes mismatch: %w", err)
	}
	isvSVN := binary.LittleEndian.Uint16(qeReport[reportISVSVNOffset:])
	for _, level := range identity.TCBLevels {
		if isvSVN >= level.TCB.ISVSVN {
			status, err := TCBStatusFromString(level.TCBStatus)
			if err != nil {
				return 0, nil, err
			}
			return status, level.AdvisoryIDs, nil
		}
	}
	return 0, nil, fmt.Errorf("no QE TCB level matches isvsvn=%v", isvSVN)
}

func matchMasked(expectedHex, maskHex string, actual []byte) error {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return err
	}
	mask, err := hex.DecodeString(maskHex)
	if err != nil {
		return err
	}
	if len(expected) != len(actual) || len(mask) != len(actual) {
		return fmt.Errorf("unexpected length: expected=%v mask=%v actual=%v", len(expected), len(mask), len(actual))
	}
	for i := range actual {
		if actual[i]&mask[i] != expected[i]&mask[i] {
			return fmt.Errorf("byte %v differs", i)
		}
	}
	return nil
}

// matchTCBLevel returns the first level, in the order of the TCB info, whose components
// are all lower than or equal to the platform values.
func matchTCBLevel(info *TCBInfo, exts *PCKExtensions) (*TCBLevel, error) {
	for i := range info.TCBLevels {
		level := &info.TCBLevels[i]
		if len(level.TCB.SGXTCBComponents) != tcbComponentCount {
			return nil, fmt.Errorf("unexpected number of TCB components: %v", len(level.TCB.SGXTCBComponents))
		}
		ok := exts.PCESVN >= level.TCB.PCESVN
		for j, c := range level.TCB.SGXTCBComponents {
			if exts.TCBComponents[j] < c.SVN {
				ok = false
				break
			}
		}
		if ok {
			return level, nil
		}
	}
	return nil, fmt.Errorf("no TCB level matches the platform")
}

// mergeTCBStatus combines the platform status with the QE status.
func mergeTCBStatus(platform, qe TCBStatus) TCBStatus {
	switch qe {
	case UpToDate, SWHardeningNeeded:
		return platform
	case Revoked:
		return Revoked
	case OutOfDate, OutOfDateConfigurationNeeded:
		switch platform {
		case UpToDate, SWHardeningNeeded:
			return OutOfDate
		case ConfigurationNeeded, ConfigurationAndSWHardeningNeeded:
			return OutOfDateConfigurationNeeded
		default:
			return platform
		}
	default:
		return platform
	}
}
