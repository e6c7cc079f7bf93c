package contract_test

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/store/dbadapter"
	storetypes "cosmossdk.io/store/types"
	dbm "github.com/cosmos/cosmos-db"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/datachainlab/quartz-go/attestation"
	"github.com/datachainlab/quartz-go/contract"
	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/datachainlab/quartz-go/sgx/dcap"
	"github.com/datachainlab/quartz-go/sgx/dcap/dcaptest"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func testAddress(t *testing.T, b byte) string {
	addr := make([]byte, 32)
	addr[0] = b
	s, err := bech32.ConvertAndEncode("wasm", addr)
	require.NoError(t, err)
	return s
}

func testConfig() types.Config {
	return types.Config{
		EpochDuration: types.NewDuration(time.Hour),
		LightClientOpts: types.LightClientOpts{
			ChainID:        "testing",
			TrustedHeight:  1,
			TrustedHash:    make([]byte, 32),
			TrustThreshold: types.TrustThreshold{2, 3},
			TrustingPeriod: 1209600,
			MaxClockDrift:  5,
			MaxBlockLag:    5,
		},
	}
}

func mockAttested[M attestation.UserDataProvider](t *testing.T, msg M) attestation.RawAttested[M] {
	ud, err := msg.UserData()
	require.NoError(t, err)
	return attestation.RawAttested[M]{
		Msg:         msg,
		Attestation: attestation.RawAttestation{Mock: &attestation.RawMockAttestation{UserData: ud}},
	}
}

type testEnv struct {
	t        *testing.T
	store    storetypes.KVStore
	contract *contract.Contract
	env      contract.Env
	handled  []json.RawMessage
	fail     bool
}

func newTestEnv(t *testing.T) *testEnv {
	te := &testEnv{
		t:     t,
		store: dbadapter.Store{DB: dbm.NewMemDB()},
		env:   contract.Env{ContractAddress: testAddress(t, 1), BlockTime: time.Unix(1700000000, 0)},
	}
	handler := contract.HandlerFunc(func(store storetypes.KVStore, env contract.Env, msg json.RawMessage) (*contract.Response, error) {
		store.Set([]byte("app"), msg)
		if te.fail {
			return nil, errors.New("handler failed")
		}
		te.handled = append(te.handled, msg)
		return &contract.Response{Data: msg}, nil
	})
	verifier := attestation.NewVerifier(attestation.WithMockAttestation())
	te.contract = contract.NewContract(te.store, verifier, handler, log.NewNopLogger())
	return te
}

func (te *testEnv) instantiate() {
	_, err := te.contract.Instantiate(te.env, mockAttested(te.t, types.RawInstantiate{Config: testConfig()}))
	require.NoError(te.t, err)
}

func (te *testEnv) sessionCreate(nonce sgx.Nonce) error {
	_, err := te.contract.SessionCreate(te.env, mockAttested(te.t, types.RawSessionCreate{Nonce: nonce, Contract: te.env.ContractAddress}))
	return err
}

func (te *testEnv) setPubKey(nonce sgx.Nonce, pk []byte) error {
	_, err := te.contract.SessionSetPubKey(te.env, mockAttested(te.t, types.RawSessionSetPubKey{Nonce: nonce, PubKey: pk}))
	return err
}

func (te *testEnv) snapshot() map[string]string {
	it := te.store.Iterator(nil, nil)
	defer it.Close()
	kvs := make(map[string]string)
	for ; it.Valid(); it.Next() {
		kvs[string(it.Key())] = string(it.Value())
	}
	return kvs
}

func (te *testEnv) seqNum() uint64 {
	n, err := te.contract.SequenceNum()
	require.NoError(te.t, err)
	return n
}

func signed(t *testing.T, key *ecdsa.PrivateKey, seq uint64, msg string) types.RawSigned {
	bz, err := json.Marshal(msg)
	require.NoError(t, err)
	s, err := types.NewRawSigned(types.Sequenced{SeqNum: seq, Msg: bz}, func(digest []byte) ([]byte, error) {
		return crypto.Sign(digest, key)
	})
	require.NoError(t, err)
	return *s
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.CompressPubkey(&key.PublicKey)
}

func TestInstantiate(t *testing.T) {
	te := newTestEnv(t)
	_, err := te.contract.Config()
	require.ErrorIs(t, err, types.ErrNotInstantiated)

	te.instantiate()
	cfg, err := te.contract.Config()
	require.NoError(t, err)
	require.Equal(t, testConfig().LightClientOpts.ChainID, cfg.LightClientOpts.ChainID)
	n, found, err := types.GetEpochCounter(te.store)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1), n)

	_, err = te.contract.Instantiate(te.env, mockAttested(t, types.RawInstantiate{Config: testConfig()}))
	require.ErrorIs(t, err, types.ErrAlreadyInstantiated)
}

func TestInstantiateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.RawInstantiate, *attestation.RawAttestation)
		err    error
	}{
		{"measurement mismatch", func(m *types.RawInstantiate, _ *attestation.RawAttestation) {
			m.Config.MrEnclave = sgx.MrEnclave{1}
		}, attestation.ErrMrEnclaveMismatch},
		{"user data mismatch", func(_ *types.RawInstantiate, a *attestation.RawAttestation) {
			a.Mock.UserData[0] ^= 1
		}, attestation.ErrUserDataMismatch},
		{"missing attestation", func(_ *types.RawInstantiate, a *attestation.RawAttestation) {
			a.Mock = nil
		}, attestation.ErrMalformedAttestation},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			te := newTestEnv(t)
			msg := mockAttested(t, types.RawInstantiate{Config: testConfig()})
			// attestation is computed over the original message
			c.mutate(&msg.Msg, &msg.Attestation)
			_, err := te.contract.Instantiate(te.env, msg)
			require.ErrorIs(t, err, c.err)
			require.Empty(t, te.snapshot())
		})
	}
}

func TestInstantiateVerifiesAttestationFirst(t *testing.T) {
	te := newTestEnv(t)
	cfg := testConfig()
	cfg.LightClientOpts.TrustThreshold = types.TrustThreshold{1, 4}
	_, err := te.contract.Instantiate(te.env, mockAttested(t, types.RawInstantiate{Config: cfg}))
	require.ErrorIs(t, err, types.ErrInvalidConfig)
	require.Empty(t, te.snapshot())

	// an invalid config is not reported before its attestation is checked
	msg := mockAttested(t, types.RawInstantiate{Config: testConfig()})
	msg.Msg.Config = cfg
	_, err = te.contract.Instantiate(te.env, msg)
	require.ErrorIs(t, err, attestation.ErrUserDataMismatch)

	te.instantiate()
	before := te.snapshot()
	msg = mockAttested(t, types.RawInstantiate{Config: testConfig()})
	msg.Attestation.Mock.UserData[0] ^= 1
	_, err = te.contract.Instantiate(te.env, msg)
	require.ErrorIs(t, err, attestation.ErrUserDataMismatch)
	require.Equal(t, before, te.snapshot())
}

type tcbInfoQuerier struct {
	tcbInfo []byte
	queries []string
}

func (q *tcbInfoQuerier) QueryTcbInfo(contract string, fmspc dcap.Fmspc) ([]byte, error) {
	q.queries = append(q.queries, contract+"/"+fmspc.String())
	if q.tcbInfo == nil {
		return nil, errors.New("tcb info not found")
	}
	return q.tcbInfo, nil
}

func TestInstantiateDCAP(t *testing.T) {
	mrEnclave := sgx.MrEnclave{0xaa, 0xbb}
	fmspc := dcap.Fmspc{0x00, 0x90, 0x6e, 0xd5, 0x00, 0x00}
	tcbContract := testAddress(t, 9)
	cfg := testConfig()
	cfg.MrEnclave = mrEnclave
	cfg.TcbInfoContract = &tcbContract
	msg := types.RawInstantiate{Config: cfg}
	ud, err := msg.UserData()
	require.NoError(t, err)
	fx, err := dcaptest.New(dcaptest.Options{MrEnclave: mrEnclave, UserData: ud, Fmspc: fmspc})
	require.NoError(t, err)
	a, err := attestation.NewDCAPAttestation(fx.Quote, fx.Collateral)
	require.NoError(t, err)
	raw, err := attestation.NewRawAttestation(a)
	require.NoError(t, err)
	attested := types.AttestedInstantiate{Msg: msg, Attestation: raw}

	newContract := func(q contract.TcbInfoQuerier) (*contract.Contract, storetypes.KVStore) {
		store := dbadapter.Store{DB: dbm.NewMemDB()}
		c := contract.NewContract(store, attestation.NewVerifier(attestation.WithDCAPRootCert(fx.Root)), nil, log.NewNopLogger())
		if q != nil {
			c.SetTcbInfoQuerier(q)
		}
		return c, store
	}
	env := contract.Env{ContractAddress: testAddress(t, 1), BlockTime: fx.Now}

	t.Run("ok", func(t *testing.T) {
		q := &tcbInfoQuerier{tcbInfo: fx.Collateral.TcbInfo}
		c, _ := newContract(q)
		res, err := c.Instantiate(env, attested)
		require.NoError(t, err)
		require.Equal(t, []string{tcbContract + "/" + fmspc.String()}, q.queries)

		out, err := dcap.VerifyQuote(fx.Quote, fx.Collateral, dcap.VerifyOptions{
			RootCert:          fx.Root,
			CurrentTime:       fx.Now,
			TrustedIdentities: []dcap.TrustedIdentity{dcap.NewMrEnclaveIdentity(mrEnclave)},
		})
		require.NoError(t, err)
		digest := out.Digest()
		require.Contains(t, res.Attributes, types.NewAttribute(types.AttributeKeyTcbStatus, dcap.UpToDate.String()))
		require.Contains(t, res.Attributes, types.NewAttribute(types.AttributeKeyAttestationDigest, hex.EncodeToString(digest[:])))
		require.Contains(t, res.Attributes, types.NewAttribute(types.AttributeKeyAttestationExpiresAt, fmt.Sprint(out.GetExpiredAt().Unix())))
	})

	t.Run("tcb info not registered", func(t *testing.T) {
		c, store := newContract(&tcbInfoQuerier{})
		_, err := c.Instantiate(env, attested)
		require.ErrorIs(t, err, attestation.ErrTcbInfoQuery)
		require.False(t, types.HasConfig(store))
	})

	t.Run("no querier", func(t *testing.T) {
		c, store := newContract(nil)
		_, err := c.Instantiate(env, attested)
		require.ErrorIs(t, err, types.ErrInvalidConfig)
		require.False(t, types.HasConfig(store))
	})

	t.Run("collateral expired at block time", func(t *testing.T) {
		c, store := newContract(&tcbInfoQuerier{tcbInfo: fx.Collateral.TcbInfo})
		_, err := c.Instantiate(contract.Env{ContractAddress: env.ContractAddress, BlockTime: fx.Now.Add(48 * time.Hour)}, attested)
		require.ErrorIs(t, err, dcap.ErrDcapVerification)
		require.False(t, types.HasConfig(store))
	})
}

func TestSessionCreate(t *testing.T) {
	te := newTestEnv(t)
	nonce := sgx.Nonce{0xaa}
	require.ErrorIs(t, te.sessionCreate(nonce), types.ErrNotInstantiated)

	te.instantiate()
	_, err := te.contract.Session()
	require.ErrorIs(t, err, types.ErrSessionNotFound)

	require.NoError(t, te.sessionCreate(nonce))
	s, err := te.contract.Session()
	require.NoError(t, err)
	require.Equal(t, nonce, s.Nonce)
	require.False(t, s.HasPubKey())
	addr, found, err := types.GetContract(te.store)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, te.env.ContractAddress, addr)

	// a second attempt keeps the first nonce
	err = te.sessionCreate(sgx.Nonce{0xbb})
	require.ErrorIs(t, err, types.ErrDuplicateEntry)
	s, err = te.contract.Session()
	require.NoError(t, err)
	require.Equal(t, nonce, s.Nonce)
}

func TestSessionCreateAddress(t *testing.T) {
	te := newTestEnv(t)
	te.instantiate()
	before := te.snapshot()

	_, err := te.contract.SessionCreate(te.env, mockAttested(t, types.RawSessionCreate{Contract: testAddress(t, 2)}))
	require.ErrorIs(t, err, types.ErrContractAddrMismatch)

	_, err = te.contract.SessionCreate(te.env, mockAttested(t, types.RawSessionCreate{Contract: "not-an-address"}))
	require.ErrorIs(t, err, types.ErrInvalidMessage)
	require.Equal(t, before, te.snapshot())
}

func TestSessionSetPubKey(t *testing.T) {
	nonce := sgx.Nonce{0xaa}
	_, pk1 := newKey(t)
	_, pk2 := newKey(t)

	cases := []struct {
		name  string
		setup func(te *testEnv)
		nonce sgx.Nonce
		err   error
	}{
		{"created", func(te *testEnv) { require.NoError(te.t, te.sessionCreate(nonce)) }, nonce, nil},
		{"no session", func(te *testEnv) {}, nonce, types.ErrBadSessionTransition},
		{"nonce mismatch", func(te *testEnv) { require.NoError(te.t, te.sessionCreate(nonce)) }, sgx.Nonce{0xab}, types.ErrNonceMismatch},
		{"already active", func(te *testEnv) {
			require.NoError(te.t, te.sessionCreate(nonce))
			require.NoError(te.t, te.setPubKey(nonce, pk1))
		}, nonce, types.ErrBadSessionTransition},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			te := newTestEnv(t)
			te.instantiate()
			c.setup(te)
			before := te.snapshot()
			err := te.setPubKey(c.nonce, pk2)
			if c.err != nil {
				require.ErrorIs(t, err, c.err)
				require.Equal(t, before, te.snapshot())
				return
			}
			require.NoError(t, err)
			s, err := te.contract.Session()
			require.NoError(t, err)
			require.Equal(t, types.HexBytes(pk2), s.PubKey)
			require.Equal(t, uint64(0), te.seqNum())
		})
	}
}

func TestSessionSetPubKeyInvalidKey(t *testing.T) {
	te := newTestEnv(t)
	te.instantiate()
	nonce := sgx.Nonce{0xaa}
	require.NoError(t, te.sessionCreate(nonce))
	before := te.snapshot()
	require.ErrorIs(t, te.setPubKey(nonce, []byte{0x02, 0x01}), types.ErrInvalidPubKey)
	require.Equal(t, before, te.snapshot())
}

func TestSequenceCounterReset(t *testing.T) {
	te := newTestEnv(t)
	te.instantiate()
	nonce := sgx.Nonce{0xaa}
	require.NoError(t, te.sessionCreate(nonce))
	types.SetSequenceNum(te.store, 42)
	_, pk := newKey(t)
	require.NoError(t, te.setPubKey(nonce, pk))
	require.Equal(t, uint64(0), te.seqNum())
}

func TestHandshake(t *testing.T) {
	te := newTestEnv(t)
	te.instantiate()
	nonce := sgx.Nonce{0x01, 0x02}
	key, pk := newKey(t)
	_, pk2 := newKey(t)

	require.NoError(t, te.sessionCreate(nonce))
	require.NoError(t, te.setPubKey(nonce, pk))
	s, err := te.contract.Session()
	require.NoError(t, err)
	require.Equal(t, types.HexBytes(pk), s.PubKey)
	require.Equal(t, uint64(0), te.seqNum())

	require.ErrorIs(t, te.setPubKey(nonce, pk2), types.ErrBadSessionTransition)
	s, err = te.contract.Session()
	require.NoError(t, err)
	require.Equal(t, types.HexBytes(pk), s.PubKey)

	var msgs []types.RawSigned
	for i := uint64(0); i < 3; i++ {
		m := signed(t, key, i, "transfer")
		msgs = append(msgs, m)
		res, err := te.contract.ExecuteSigned(te.env, m)
		require.NoError(t, err)
		require.Contains(t, res.Attributes, types.NewAttribute(types.AttributeKeyAction, types.ActionExecute))
		require.Equal(t, i+1, te.seqNum())
	}
	require.Len(t, te.handled, 3)

	_, err = te.contract.ExecuteSigned(te.env, msgs[1])
	require.ErrorIs(t, err, types.ErrSequenceMismatch)
	require.Equal(t, uint64(3), te.seqNum())
	require.Len(t, te.handled, 3)
}

func TestExecuteSignedFailures(t *testing.T) {
	nonce := sgx.Nonce{0xaa}
	key, pk := newKey(t)
	other, _ := newKey(t)

	cases := []struct {
		name string
		msg  func(t *testing.T) types.RawSigned
		err  error
	}{
		{"wrong key", func(t *testing.T) types.RawSigned { return signed(t, other, 0, "x") }, types.ErrSignatureVerification},
		{"tampered message", func(t *testing.T) types.RawSigned {
			m := signed(t, key, 0, "x")
			m.Msg = json.RawMessage(`{"seq_num":0,"msg":"y"}`)
			return m
		}, types.ErrSignatureVerification},
		{"short signature", func(t *testing.T) types.RawSigned {
			m := signed(t, key, 0, "x")
			m.Sig = m.Sig[:32]
			return m
		}, types.ErrSignatureVerification},
		{"future sequence", func(t *testing.T) types.RawSigned { return signed(t, key, 1, "x") }, types.ErrSequenceMismatch},
		{"not sequenced", func(t *testing.T) types.RawSigned {
			s, err := types.NewRawSigned([]int{1}, func(digest []byte) ([]byte, error) { return crypto.Sign(digest, key) })
			require.NoError(t, err)
			return *s
		}, types.ErrInvalidMessage},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			te := newTestEnv(t)
			te.instantiate()
			require.NoError(t, te.sessionCreate(nonce))
			require.NoError(t, te.setPubKey(nonce, pk))
			before := te.snapshot()
			_, err := te.contract.ExecuteSigned(te.env, c.msg(t))
			require.ErrorIs(t, err, c.err)
			require.Equal(t, before, te.snapshot())
			require.Equal(t, uint64(0), te.seqNum())
		})
	}
}

func TestExecuteSignedWithoutSession(t *testing.T) {
	te := newTestEnv(t)
	te.instantiate()
	key, _ := newKey(t)
	_, err := te.contract.ExecuteSigned(te.env, signed(t, key, 0, "x"))
	require.ErrorIs(t, err, types.ErrMissingSessionPubKey)

	require.NoError(t, te.sessionCreate(sgx.Nonce{0xaa}))
	_, err = te.contract.ExecuteSigned(te.env, signed(t, key, 0, "x"))
	require.ErrorIs(t, err, types.ErrMissingSessionPubKey)
}

func TestExecuteSignedRollback(t *testing.T) {
	te := newTestEnv(t)
	te.instantiate()
	nonce := sgx.Nonce{0xaa}
	key, pk := newKey(t)
	require.NoError(t, te.sessionCreate(nonce))
	require.NoError(t, te.setPubKey(nonce, pk))
	before := te.snapshot()

	te.fail = true
	_, err := te.contract.ExecuteSigned(te.env, signed(t, key, 0, "x"))
	require.Error(t, err)
	require.Equal(t, before, te.snapshot())
	require.Equal(t, uint64(0), te.seqNum())

	te.fail = false
	_, err = te.contract.ExecuteSigned(te.env, signed(t, key, 0, "x"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), te.seqNum())
}

func TestSequenceOverflow(t *testing.T) {
	te := newTestEnv(t)
	te.instantiate()
	nonce := sgx.Nonce{0xaa}
	key, pk := newKey(t)
	require.NoError(t, te.sessionCreate(nonce))
	require.NoError(t, te.setPubKey(nonce, pk))
	const last = ^uint64(0)
	types.SetSequenceNum(te.store, last)
	_, err := te.contract.ExecuteSigned(te.env, signed(t, key, last, "x"))
	require.ErrorIs(t, err, types.ErrSequenceOverflow)
	require.Equal(t, last, te.seqNum())
}

func TestExecute(t *testing.T) {
	te := newTestEnv(t)
	te.instantiate()
	nonce := sgx.Nonce{0xaa}
	key, pk := newKey(t)

	create := mockAttested(t, types.RawSessionCreate{Nonce: nonce, Contract: te.env.ContractAddress})
	setPubKey := mockAttested(t, types.RawSessionSetPubKey{Nonce: nonce, PubKey: pk})
	sig := signed(t, key, 0, "x")

	for _, msg := range []types.ExecuteMsg{
		{SessionCreate: &create},
		{SessionSetPubKey: &setPubKey},
		{Signed: &sig},
	} {
		bz, err := json.Marshal(msg)
		require.NoError(t, err)
		var decoded types.ExecuteMsg
		require.NoError(t, json.Unmarshal(bz, &decoded))
		_, err = te.contract.Execute(te.env, decoded)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(1), te.seqNum())

	_, err := te.contract.Execute(te.env, types.ExecuteMsg{})
	require.ErrorIs(t, err, types.ErrInvalidMessage)
	_, err = te.contract.Execute(te.env, types.ExecuteMsg{SessionCreate: &create, Signed: &sig})
	require.ErrorIs(t, err, types.ErrInvalidMessage)
}
