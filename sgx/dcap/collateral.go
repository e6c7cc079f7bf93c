package dcap

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Collateral is the set of Intel-signed data required to verify a quote.
// CRLs are DER or PEM encoded, issuer chains are PEM, TCB info and QE identity are the JSON
// documents served by PCS.
type Collateral struct {
	PckCrlIssuerChain     []byte `cbor:"pck_crl_issuer_chain" json:"pck_crl_issuer_chain"`
	RootCaCrl             []byte `cbor:"root_ca_crl" json:"root_ca_crl"`
	PckCrl                []byte `cbor:"pck_crl" json:"pck_crl"`
	TcbInfoIssuerChain    []byte `cbor:"tcb_info_issuer_chain" json:"tcb_info_issuer_chain"`
	TcbInfo               []byte `cbor:"tcb_info" json:"tcb_info"`
	QeIdentityIssuerChain []byte `cbor:"qe_identity_issuer_chain" json:"qe_identity_issuer_chain"`
	QeIdentity            []byte `cbor:"qe_identity" json:"qe_identity"`
}

var cborEncMode = mustCBOREncMode()

func mustCBOREncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func (c Collateral) MarshalCBOR() ([]byte, error) {
	type collateral Collateral
	return cborEncMode.Marshal(collateral(c))
}

func DecodeCollateral(bz []byte) (*Collateral, error) {
	type collateral Collateral
	var c collateral
	if err := cbor.Unmarshal(bz, &c); err != nil {
		return nil, fmt.Errorf("failed to decode collateral: %w", err)
	}
	cc := Collateral(c)
	return &cc, nil
}

type TCBComponent struct {
	SVN uint8 `json:"svn"`
}

type TCB struct {
	SGXTCBComponents []TCBComponent `json:"sgxtcbcomponents"`
	PCESVN           uint16         `json:"pcesvn"`
}

type TCBLevel struct {
	TCB         TCB      `json:"tcb"`
	TCBDate     string   `json:"tcbDate"`
	TCBStatus   string   `json:"tcbStatus"`
	AdvisoryIDs []string `json:"advisoryIDs,omitempty"`
}

// TCBInfo is the body of a v3 SGX TCB info document.
type TCBInfo struct {
	ID                      string     `json:"id"`
	Version                 uint32     `json:"version"`
	IssueDate               string     `json:"issueDate"`
	NextUpdate              string     `json:"nextUpdate"`
	Fmspc                   string     `json:"fmspc"`
	PceID                   string     `json:"pceId"`
	TCBType                 uint32     `json:"tcbType"`
	TCBEvaluationDataNumber uint32     `json:"tcbEvaluationDataNumber"`
	TCBLevels               []TCBLevel `json:"tcbLevels"`
}

type QETCB struct {
	ISVSVN uint16 `json:"isvsvn"`
}

type QETCBLevel struct {
	TCB         QETCB    `json:"tcb"`
	TCBDate     string   `json:"tcbDate"`
	TCBStatus   string   `json:"tcbStatus"`
	AdvisoryIDs []string `json:"advisoryIDs,omitempty"`
}

// QEIdentity is the body of a v2 quoting enclave identity document.
type QEIdentity struct {
	ID                      string       `json:"id"`
	Version                 uint32       `json:"version"`
	IssueDate               string       `json:"issueDate"`
	NextUpdate              string       `json:"nextUpdate"`
	TCBEvaluationDataNumber uint32       `json:"tcbEvaluationDataNumber"`
	MiscSelect              string       `json:"miscselect"`
	MiscSelectMask          string       `json:"miscselectMask"`
	Attributes              string       `json:"attributes"`
	AttributesMask          string       `json:"attributesMask"`
	MrSigner                string       `json:"mrsigner"`
	ISVProdID               uint16       `json:"isvprodid"`
	TCBLevels               []QETCBLevel `json:"tcbLevels"`
}

type signedTCBInfo struct {
	TCBInfo   json.RawMessage `json:"tcbInfo"`
	Signature string          `json:"signature"`
}

type signedQEIdentity struct {
	EnclaveIdentity json.RawMessage `json:"enclaveIdentity"`
	Signature       string          `json:"signature"`
}

// verifySignedDocument verifies the signature over the raw body bytes with the first certificate
// of the issuer chain, after checking that the chain leads to root.
func verifySignedDocument(body []byte, sigHex string, issuerChain []byte, root *x509.Certificate, now time.Time, validity *ValidityIntersection) error {
	certs, err := verifyIssuerChain(issuerChain, root, now, validity)
	if err != nil {
		return err
	}
	key, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("unexpected signer key type: %T", certs[0].PublicKey)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	digest := sha256.Sum256(body)
	if !verifyRawP256(key, digest[:], sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// ParseTCBInfo verifies and decodes the TCB info document of the collateral.
func (c *Collateral) ParseTCBInfo(root *x509.Certificate, now time.Time, validity *ValidityIntersection) (*TCBInfo, error) {
	var signed signedTCBInfo
	if err := json.Unmarshal(c.TcbInfo, &signed); err != nil {
		return nil, fmt.Errorf("failed to decode tcb info: %w", err)
	}
	if err := verifySignedDocument(signed.TCBInfo, signed.Signature, c.TcbInfoIssuerChain, root, now, validity); err != nil {
		return nil, fmt.Errorf("invalid tcb info: %w", err)
	}
	var info TCBInfo
	if err := json.Unmarshal(signed.TCBInfo, &info); err != nil {
		return nil, fmt.Errorf("failed to decode tcb info body: %w", err)
	}
	if info.Version != 3 {
		return nil, fmt.Errorf("unsupported tcb info version: %v", info.Version)
	}
	if err := checkUpdateWindow(info.IssueDate, info.NextUpdate, now, validity); err != nil {
		return nil, fmt.Errorf("tcb info is not valid: %w", err)
	}
	return &info, nil
}

// ParseQEIdentity verifies and decodes the QE identity document of the collateral.
func (c *Collateral) ParseQEIdentity(root *x509.Certificate, now time.Time, validity *ValidityIntersection) (*QEIdentity, error) {
	var signed signedQEIdentity
	if err := json.Unmarshal(c.QeIdentity, &signed); err != nil {
		return nil, fmt.Errorf("failed to decode qe identity: %w", err)
	}
	if err := verifySignedDocument(signed.EnclaveIdentity, signed.Signature, c.QeIdentityIssuerChain, root, now, validity); err != nil {
		return nil, fmt.Errorf("invalid qe identity: %w", err)
	}
	var identity QEIdentity
	if err := json.Unmarshal(signed.EnclaveIdentity, &identity); err != nil {
		return nil, fmt.Errorf("failed to decode qe identity body: %w", err)
	}
	if identity.Version != 2 {
		return nil, fmt.Errorf("unsupported qe identity version: %v", identity.Version)
	}
	if err := checkUpdateWindow(identity.IssueDate, identity.NextUpdate, now, validity); err != nil {
		return nil, fmt.Errorf("qe identity is not valid: %w", err)
	}
	return &identity, nil
}

func checkUpdateWindow(issueDate, nextUpdate string, now time.Time, validity *ValidityIntersection) error {
	issued, err := time.Parse(time.RFC3339, issueDate)
	if err != nil {
		return fmt.Errorf("invalid issueDate: %w", err)
	}
	next, err := time.Parse(time.RFC3339, nextUpdate)
	if err != nil {
		return fmt.Errorf("invalid nextUpdate: %w", err)
	}
	if now.Before(issued) || now.After(next) {
		return fmt.Errorf("outside of the update window: issueDate=%v nextUpdate=%v now=%v", issued, next, now)
	}
	validity.narrow(issued, next)
	return nil
}

// verifyIssuerChain verifies a PEM chain whose first certificate is the signer.
func verifyIssuerChain(chain []byte, root *x509.Certificate, now time.Time, validity *ValidityIntersection) ([]*x509.Certificate, error) {
	certs, err := ParsePEMCertChain(chain)
	if err != nil {
		return nil, err
	}
	if err := verifyCertChain(certs, root, now, validity); err != nil {
		return nil, err
	}
	return certs, nil
}

func verifyCertChain(certs []*x509.Certificate, root *x509.Certificate, now time.Time, validity *ValidityIntersection) error {
	roots := x509.NewCertPool()
	roots.AddCert(root)
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	chains, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("failed to verify certificate chain: %w", err)
	}
	for _, c := range chains[0] {
		validity.narrow(c.NotBefore, c.NotAfter)
	}
	return nil
}

// parseCRL decodes and checks a CRL issued by issuer.
func parseCRL(bz []byte, issuer *x509.Certificate, now time.Time, validity *ValidityIntersection) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(bz); block != nil {
		bz = block.Bytes
	} else if s := strings.TrimSpace(string(bz)); isHex(s) {
		if decoded, err := hex.DecodeString(s); err == nil {
			bz = decoded
		}
	}
	crl, err := x509.ParseRevocationList(bz)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("invalid CRL signature: %w", err)
	}
	if now.Before(crl.ThisUpdate) || (!crl.NextUpdate.IsZero() && now.After(crl.NextUpdate)) {
		return nil, fmt.Errorf("CRL is not valid at %v", now)
	}
	if !crl.NextUpdate.IsZero() {
		validity.narrow(crl.ThisUpdate, crl.NextUpdate)
	}
	return crl, nil
}

func isRevoked(crl *x509.RevocationList, cert *x509.Certificate) bool {
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// Fmspc returns the FMSPC named by the TCB info document without verifying its signature.
func (c *Collateral) Fmspc() (Fmspc, error) {
	var signed signedTCBInfo
	if err := json.Unmarshal(c.TcbInfo, &signed); err != nil {
		return Fmspc{}, fmt.Errorf("failed to decode tcb info: %w", err)
	}
	var info struct {
		Fmspc string `json:"fmspc"`
	}
	if err := json.Unmarshal(signed.TCBInfo, &info); err != nil {
		return Fmspc{}, fmt.Errorf("failed to decode tcb info body: %w", err)
	}
	return ParseFmspc(info.Fmspc)
}

// WithTcbInfo returns a copy of the collateral with the TCB info document replaced.
func (c Collateral) WithTcbInfo(tcbInfo []byte) *Collateral {
	c.TcbInfo = tcbInfo
	return &c
}
