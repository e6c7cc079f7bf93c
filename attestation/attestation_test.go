package attestation_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/datachainlab/quartz-go/attestation"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/datachainlab/quartz-go/sgx/dcap"
	"github.com/datachainlab/quartz-go/sgx/dcap/dcaptest"
	"github.com/datachainlab/quartz-go/sgx/ias"
	"github.com/stretchr/testify/require"
)

type testMsg struct {
	Nonce    string `json:"nonce"`
	Contract string `json:"contract"`
}

func (m testMsg) UserData() (sgx.UserData, error) {
	return sgx.UserDataFromJSON(m)
}

var (
	msg           = testMsg{Nonce: "00ff", Contract: "wasm1contract"}
	testMrEnclave = sgx.MrEnclave{0xde, 0xad, 0xbe, 0xef}
)

func msgUserData(t *testing.T) sgx.UserData {
	ud, err := msg.UserData()
	require.NoError(t, err)
	return ud
}

func TestVerifyMock(t *testing.T) {
	ud := msgUserData(t)
	enabled := attestation.NewVerifier(attestation.WithMockAttestation())

	got, err := attestation.Verify(attestation.Attested[testMsg]{Msg: msg, Attestation: &attestation.MockAttestation{Data: ud}}, sgx.MrEnclave{}, enabled)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	_, err = attestation.Verify(attestation.Attested[testMsg]{Msg: msg, Attestation: &attestation.MockAttestation{Data: ud}}, sgx.MrEnclave{}, attestation.NewVerifier())
	require.ErrorIs(t, err, attestation.ErrMockAttestationDisabled)

	_, err = attestation.Verify(attestation.Attested[testMsg]{Msg: msg, Attestation: &attestation.MockAttestation{Data: ud}}, testMrEnclave, enabled)
	require.ErrorIs(t, err, attestation.ErrMrEnclaveMismatch)
}

func TestUserDataBitFlips(t *testing.T) {
	ud := msgUserData(t)
	v := attestation.NewVerifier(attestation.WithMockAttestation())
	for i := 0; i < sgx.UserDataSize*8; i++ {
		flipped := ud
		flipped[i/8] ^= 1 << (i % 8)
		_, err := attestation.Verify(attestation.Attested[testMsg]{Msg: msg, Attestation: &attestation.MockAttestation{Data: flipped}}, sgx.MrEnclave{}, v)
		require.ErrorIs(t, err, attestation.ErrUserDataMismatch, "bit=%v", i)
	}
}

func TestMeasurementBitFlips(t *testing.T) {
	v := attestation.NewVerifier(attestation.WithMockAttestation())
	a := attestation.Attested[testMsg]{Msg: msg, Attestation: &attestation.MockAttestation{Data: msgUserData(t)}}
	for i := 0; i < sgx.MrEnclaveSize*8; i++ {
		var trusted sgx.MrEnclave
		trusted[i/8] ^= 1 << (i % 8)
		_, err := attestation.Verify(a, trusted, v)
		require.ErrorIs(t, err, attestation.ErrMrEnclaveMismatch, "bit=%v", i)
	}
}

func TestMeasurementCheckedFirst(t *testing.T) {
	v := attestation.NewVerifier(attestation.WithMockAttestation())
	a := attestation.Attested[testMsg]{Msg: msg, Attestation: &attestation.MockAttestation{}}
	_, err := attestation.Verify(a, testMrEnclave, v)
	require.ErrorIs(t, err, attestation.ErrMrEnclaveMismatch)
	require.False(t, errors.Is(err, attestation.ErrUserDataMismatch))
}

type tcbInfoSource struct {
	tcbInfo []byte
	err     error
	queried []dcap.Fmspc
}

func (s *tcbInfoSource) TcbInfo(fmspc dcap.Fmspc) ([]byte, error) {
	s.queried = append(s.queried, fmspc)
	return s.tcbInfo, s.err
}

func TestVerifyDCAP(t *testing.T) {
	fmspc := dcap.Fmspc{0x00, 0x90, 0x6e, 0xd5, 0x00, 0x00}
	fx, err := dcaptest.New(dcaptest.Options{MrEnclave: testMrEnclave, UserData: msgUserData(t), Fmspc: fmspc})
	require.NoError(t, err)
	clock := func() time.Time { return fx.Now }

	a, err := attestation.NewDCAPAttestation(fx.Quote, fx.Collateral)
	require.NoError(t, err)
	require.Equal(t, testMrEnclave, a.MrEnclave())
	require.Equal(t, msgUserData(t), a.UserData())

	v := attestation.NewVerifier(attestation.WithDCAPRootCert(fx.Root), attestation.WithClock(clock))
	got, err := attestation.Verify(attestation.Attested[testMsg]{Msg: msg, Attestation: a}, testMrEnclave, v)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	other := testMsg{Nonce: "00fe", Contract: msg.Contract}
	_, err = attestation.Verify(attestation.Attested[testMsg]{Msg: other, Attestation: a}, testMrEnclave, v)
	require.ErrorIs(t, err, attestation.ErrUserDataMismatch)

	_, err = attestation.Verify(attestation.Attested[testMsg]{Msg: msg, Attestation: a}, testMrEnclave, attestation.NewVerifier(attestation.WithClock(clock)))
	require.ErrorIs(t, err, dcap.ErrDcapVerification)

	t.Run("tcb info source", func(t *testing.T) {
		src := &tcbInfoSource{tcbInfo: fx.Collateral.TcbInfo}
		v := attestation.NewVerifier(attestation.WithDCAPRootCert(fx.Root), attestation.WithClock(clock), attestation.WithTcbInfoSource(src))
		_, err := attestation.Verify(attestation.Attested[testMsg]{Msg: msg, Attestation: a}, testMrEnclave, v)
		require.NoError(t, err)
		require.Equal(t, []dcap.Fmspc{fmspc}, src.queried)

		src = &tcbInfoSource{err: errors.New("not found")}
		v = attestation.NewVerifier(attestation.WithDCAPRootCert(fx.Root), attestation.WithClock(clock), attestation.WithTcbInfoSource(src))
		_, err = attestation.Verify(attestation.Attested[testMsg]{Msg: msg, Attestation: a}, testMrEnclave, v)
		require.ErrorIs(t, err, attestation.ErrTcbInfoQuery)
	})

	t.Run("wire", func(t *testing.T) {
		raw, err := attestation.NewRawAttestation(a)
		require.NoError(t, err)
		bz, err := json.Marshal(attestation.RawAttested[testMsg]{Msg: msg, Attestation: raw})
		require.NoError(t, err)
		got, err := attestation.DecodeAttested[testMsg](bz, testMrEnclave, v)
		require.NoError(t, err)
		require.Equal(t, msg, got)
	})
}

func TestRawAttestation(t *testing.T) {
	_, err := attestation.RawAttestation{}.Attestation()
	require.ErrorIs(t, err, attestation.ErrMalformedAttestation)

	_, err = attestation.RawAttestation{
		Mock: &attestation.RawMockAttestation{},
		DCAP: &attestation.RawDCAPAttestation{},
	}.Attestation()
	require.ErrorIs(t, err, attestation.ErrMalformedAttestation)

	_, err = attestation.RawAttestation{DCAP: &attestation.RawDCAPAttestation{Quote: []byte{0x03}}}.Attestation()
	require.ErrorIs(t, err, attestation.ErrMalformedAttestation)

	a, err := attestation.RawAttestation{Mock: &attestation.RawMockAttestation{UserData: sgx.UserData{1}}}.Attestation()
	require.NoError(t, err)
	require.Equal(t, sgx.UserData{1}, a.UserData())
	require.Equal(t, sgx.MrEnclave{}, a.MrEnclave())
}

func TestRawAttestationIncomplete(t *testing.T) {
	cases := []struct {
		name       string
		raw        attestation.RawAttestation
		incomplete bool
	}{
		{"epid quote", attestation.RawAttestation{EPIDQuote: []byte{1}}, true},
		{"epid report", attestation.RawAttestation{EPID: &ias.IASReport{}}, false},
		{"dcap without collateral", attestation.RawAttestation{DCAP: &attestation.RawDCAPAttestation{Quote: []byte{1}}}, true},
		{"dcap", attestation.RawAttestation{DCAP: &attestation.RawDCAPAttestation{Quote: []byte{1}, Collateral: []byte{1}}}, false},
		{"mock", attestation.RawAttestation{Mock: &attestation.RawMockAttestation{}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.incomplete, c.raw.Incomplete())
			if c.incomplete {
				_, err := c.raw.Attestation()
				require.ErrorIs(t, err, attestation.ErrMalformedAttestation)
			}
		})
	}
}

func newEPIDAttestation(t *testing.T, root *rsa.PrivateKey, status string, debug bool) *attestation.EPIDAttestation {
	body := make([]byte, sgx.QuoteBodySize)
	body[0] = 0x02
	copy(body[112:], testMrEnclave[:])
	ud := msgUserData(t)
	copy(body[368:], ud[:])
	if debug {
		body[96] = byte(sgx.AttributeDebug)
	}
	report, err := json.Marshal(map[string]any{
		"id":                    "1",
		"timestamp":             "2024-05-01T10:20:30.123456",
		"version":               4,
		"isvEnclaveQuoteStatus": status,
		"isvEnclaveQuoteBody":   body,
	})
	require.NoError(t, err)
	digest := sha256.Sum256(report)
	sig, err := rsa.SignPKCS1v15(rand.Reader, root, crypto.SHA256, digest[:])
	require.NoError(t, err)
	a, err := attestation.NewEPIDAttestation(ias.IASReport{Report: report, ReportSig: sig})
	require.NoError(t, err)
	return a
}

func TestVerifyEPID(t *testing.T) {
	root, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := attestation.NewVerifier(attestation.WithEPIDRootKey(&root.PublicKey))

	var cases = []struct {
		name     string
		status   string
		debug    bool
		verifier *attestation.Verifier
		err      error
	}{
		{"ok", ias.QuoteOK, false, v, nil},
		{"group out of date", ias.QuoteGroupOutOfDate, false, v, attestation.ErrQuoteStatus},
		{"allowed status", ias.QuoteSwHardeningNeeded, false, attestation.NewVerifier(
			attestation.WithEPIDRootKey(&root.PublicKey),
			attestation.WithAllowedQuoteStatuses(ias.QuoteSwHardeningNeeded),
		), nil},
		{"debug enclave", ias.QuoteOK, true, v, attestation.ErrDebugEnclave},
		{"intel root", ias.QuoteOK, false, attestation.NewVerifier(), ias.ErrRecoveredDigestMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newEPIDAttestation(t, root, tc.status, tc.debug)
			_, err := attestation.Verify(attestation.Attested[testMsg]{Msg: msg, Attestation: a}, testMrEnclave, tc.verifier)
			if tc.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}
