// Package dcaptest builds DCAP quotes and collateral signed by a throwaway PKI.
package dcaptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/datachainlab/quartz-go/sgx"
	"github.com/datachainlab/quartz-go/sgx/dcap"
	"github.com/oasisprotocol/oasis-core/go/common/sgx/pcs"
)

const (
	qeISVProdID = 1
	qeISVSVN    = 8
	pceSVN      = 13
	platformSVN = 2
)

var qeMrSigner = [32]byte{0x8c, 0x4f, 0x57, 0x75}

type Options struct {
	MrEnclave sgx.MrEnclave
	MrSigner  [32]byte
	ISVProdID uint16
	ISVSVN    uint16
	UserData  sgx.UserData
	Debug     bool
	Fmspc     dcap.Fmspc
	// TCBStatus of the platform TCB level. Defaults to UpToDate.
	TCBStatus   string
	AdvisoryIDs []string
	RevokePCK   bool
	Now         time.Time
}

type Fixture struct {
	Root       *x509.Certificate
	Quote      []byte
	Collateral *dcap.Collateral
	Now        time.Time
}

type authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// New generates a PKI and a quote of an enclave described by opts.
func New(opts Options) (*Fixture, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if opts.TCBStatus == "" {
		opts.TCBStatus = "UpToDate"
	}
	notBefore, notAfter := now.Add(-time.Hour), now.Add(24*time.Hour)

	root, err := newAuthority(nil, "Test SGX Root CA", 1, true, notBefore, notAfter, nil)
	if err != nil {
		return nil, err
	}
	platformCA, err := newAuthority(root, "Test SGX PCK Platform CA", 2, true, notBefore, notAfter, nil)
	if err != nil {
		return nil, err
	}
	tcbSigner, err := newAuthority(root, "Test SGX TCB Signing", 3, false, notBefore, notAfter, nil)
	if err != nil {
		return nil, err
	}
	sgxExt, err := sgxExtension(opts.Fmspc)
	if err != nil {
		return nil, err
	}
	pck, err := newAuthority(platformCA, "Test SGX PCK Certificate", 4, false, notBefore, notAfter, []pkix.Extension{sgxExt})
	if err != nil {
		return nil, err
	}

	rootCRL, err := newCRL(root, notBefore, notAfter, nil)
	if err != nil {
		return nil, err
	}
	var revoked []x509.RevocationListEntry
	if opts.RevokePCK {
		revoked = append(revoked, x509.RevocationListEntry{SerialNumber: pck.cert.SerialNumber, RevocationTime: notBefore})
	}
	pckCRL, err := newCRL(platformCA, notBefore, notAfter, revoked)
	if err != nil {
		return nil, err
	}

	tcbInfo, err := signedTCBInfo(tcbSigner, opts, notBefore, notAfter)
	if err != nil {
		return nil, err
	}
	qeIdentity, err := signedQEIdentity(tcbSigner, notBefore, notAfter)
	if err != nil {
		return nil, err
	}
	quote, err := newQuote(opts, pck, platformCA, root)
	if err != nil {
		return nil, err
	}
	return &Fixture{
		Root:  root.cert,
		Quote: quote,
		Collateral: &dcap.Collateral{
			PckCrlIssuerChain:     pemChain(platformCA, root),
			RootCaCrl:             rootCRL,
			PckCrl:                pckCRL,
			TcbInfoIssuerChain:    pemChain(tcbSigner, root),
			TcbInfo:               tcbInfo,
			QeIdentityIssuerChain: pemChain(tcbSigner, root),
			QeIdentity:            qeIdentity,
		},
		Now: now,
	}, nil
}

func newAuthority(parent *authority, cn string, serial int64, isCA bool, notBefore, notAfter time.Time, exts []pkix.Extension) (*authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		ExtraExtensions:       exts,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	}
	issuerCert, issuerKey := tmpl, key
	if parent != nil {
		issuerCert, issuerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuerCert, &key.PublicKey, issuerKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &authority{cert: cert, key: key}, nil
}

func newCRL(issuer *authority, thisUpdate, nextUpdate time.Time, revoked []x509.RevocationListEntry) ([]byte, error) {
	return x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: revoked,
	}, issuer.cert, issuer.key)
}

func sgxExtension(fmspc dcap.Fmspc) (pkix.Extension, error) {
	var tcbEntries []dcap.PCKExtensionEntry
	for i := 1; i <= 17; i++ {
		svn := platformSVN
		if i == 17 {
			svn = pceSVN
		}
		v, err := asn1.Marshal(svn)
		if err != nil {
			return pkix.Extension{}, err
		}
		id := make(asn1.ObjectIdentifier, 0, len(dcap.OIDTCB)+1)
		id = append(append(id, dcap.OIDTCB...), i)
		tcbEntries = append(tcbEntries, dcap.PCKExtensionEntry{ID: id, Value: asn1.RawValue{FullBytes: v}})
	}
	tcb, err := asn1.Marshal(tcbEntries)
	if err != nil {
		return pkix.Extension{}, err
	}
	value, err := asn1.Marshal([]dcap.PCKExtensionEntry{
		{ID: dcap.OIDTCB, Value: asn1.RawValue{FullBytes: tcb}},
		{ID: dcap.OIDFmspc, Value: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagOctetString, Bytes: fmspc[:]}},
	})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: dcap.OIDSGXExtensions, Value: value}, nil
}

func signedTCBInfo(signer *authority, opts Options, issued, next time.Time) ([]byte, error) {
	components := func(svn uint8) []dcap.TCBComponent {
		cs := make([]dcap.TCBComponent, 16)
		for i := range cs {
			cs[i].SVN = svn
		}
		return cs
	}
	body, err := json.Marshal(dcap.TCBInfo{
		ID:                      "SGX",
		Version:                 3,
		IssueDate:               issued.UTC().Format(time.RFC3339),
		NextUpdate:              next.UTC().Format(time.RFC3339),
		Fmspc:                   opts.Fmspc.String(),
		PceID:                   "0000",
		TCBEvaluationDataNumber: 17,
		TCBLevels: []dcap.TCBLevel{
			{
				TCB:         dcap.TCB{SGXTCBComponents: components(platformSVN), PCESVN: pceSVN},
				TCBDate:     issued.UTC().Format(time.RFC3339),
				TCBStatus:   opts.TCBStatus,
				AdvisoryIDs: opts.AdvisoryIDs,
			},
			{
				TCB:       dcap.TCB{SGXTCBComponents: components(1), PCESVN: 5},
				TCBDate:   issued.UTC().Format(time.RFC3339),
				TCBStatus: "OutOfDate",
			},
		},
	})
	if err != nil {
		return nil, err
	}
	sig, err := signRaw(signer.key, body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		TCBInfo   json.RawMessage `json:"tcbInfo"`
		Signature string          `json:"signature"`
	}{body, hex.EncodeToString(sig)})
}

func signedQEIdentity(signer *authority, issued, next time.Time) ([]byte, error) {
	body, err := json.Marshal(dcap.QEIdentity{
		ID:                      "QE",
		Version:                 2,
		IssueDate:               issued.UTC().Format(time.RFC3339),
		NextUpdate:              next.UTC().Format(time.RFC3339),
		TCBEvaluationDataNumber: 16,
		MiscSelect:              "00000000",
		MiscSelectMask:          "FFFFFFFF",
		Attributes:              "11000000000000000000000000000000",
		AttributesMask:          "FBFFFFFFFFFFFFFF0000000000000000",
		MrSigner:                hex.EncodeToString(qeMrSigner[:]),
		ISVProdID:               qeISVProdID,
		TCBLevels: []dcap.QETCBLevel{
			{TCB: dcap.QETCB{ISVSVN: qeISVSVN}, TCBDate: issued.UTC().Format(time.RFC3339), TCBStatus: "UpToDate"},
		},
	})
	if err != nil {
		return nil, err
	}
	sig, err := signRaw(signer.key, body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		EnclaveIdentity json.RawMessage `json:"enclaveIdentity"`
		Signature       string          `json:"signature"`
	}{body, hex.EncodeToString(sig)})
}

func newQuote(opts Options, pck, platformCA, root *authority) ([]byte, error) {
	attKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	attPub := make([]byte, 64)
	attKey.X.FillBytes(attPub[:32])
	attKey.Y.FillBytes(attPub[32:])

	header := make([]byte, sgx.QuoteHeaderSize)
	binary.LittleEndian.PutUint16(header[0:], dcap.QEVersion3)
	binary.LittleEndian.PutUint16(header[2:], dcap.AttestationKeyTypeECDSA256)
	binary.LittleEndian.PutUint16(header[8:], qeISVSVN)
	binary.LittleEndian.PutUint16(header[10:], pceSVN)
	copy(header[12:], pcs.QEVendorID_Intel)

	attributes := uint64(0x05)
	if opts.Debug {
		attributes |= sgx.AttributeDebug
	}
	body := reportBody(attributes, opts.MrEnclave, opts.MrSigner, opts.ISVProdID, opts.ISVSVN, opts.UserData[:])

	authData := []byte("quartz test qe auth data")
	binding := sha256.Sum256(append(append([]byte{}, attPub...), authData...))
	qeReport := reportBody(0x11, sgx.MrEnclave{0x01}, qeMrSigner, qeISVProdID, qeISVSVN, binding[:])
	qeReportSig, err := signRaw(pck.key, qeReport)
	if err != nil {
		return nil, err
	}

	signed := append(append([]byte{}, header...), body...)
	isvSig, err := signRaw(attKey, signed)
	if err != nil {
		return nil, err
	}
	certData := pemChain(pck, platformCA, root)

	var sigData []byte
	sigData = append(sigData, isvSig...)
	sigData = append(sigData, attPub...)
	sigData = append(sigData, qeReport...)
	sigData = append(sigData, qeReportSig...)
	sigData = binary.LittleEndian.AppendUint16(sigData, uint16(len(authData)))
	sigData = append(sigData, authData...)
	sigData = binary.LittleEndian.AppendUint16(sigData, dcap.CertDataTypePCKCertChain)
	sigData = binary.LittleEndian.AppendUint32(sigData, uint32(len(certData)))
	sigData = append(sigData, certData...)

	quote := binary.LittleEndian.AppendUint32(signed, uint32(len(sigData)))
	return append(quote, sigData...), nil
}

func reportBody(attributes uint64, mrEnclave sgx.MrEnclave, mrSigner [32]byte, isvProdID, isvSVN uint16, reportData []byte) []byte {
	body := make([]byte, sgx.ReportBodySize)
	binary.LittleEndian.PutUint64(body[48:], attributes)
	copy(body[64:], mrEnclave[:])
	copy(body[128:], mrSigner[:])
	binary.LittleEndian.PutUint16(body[256:], isvProdID)
	binary.LittleEndian.PutUint16(body[258:], isvSVN)
	copy(body[320:], reportData)
	return body
}

func signRaw(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

func pemChain(authorities ...*authority) []byte {
	var out []byte
	for _, a := range authorities {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})...)
	}
	return out
}
