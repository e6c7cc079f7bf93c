package enclave

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cosmossdk.io/log"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/datachainlab/quartz-go/attestation"
	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/datachainlab/quartz-go/enclave/attestor"
	"github.com/datachainlab/quartz-go/enclave/keymanager"
	"github.com/datachainlab/quartz-go/enclave/kvstore"
	"github.com/datachainlab/quartz-go/enclave/store"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func testContractConfig() types.Config {
	return types.Config{
		LightClientOpts: types.LightClientOpts{
			ChainID:        "testing",
			TrustedHeight:  1,
			TrustedHash:    make([]byte, 32),
			TrustThreshold: types.TrustThreshold{2, 3},
			TrustingPeriod: 1209600,
		},
	}
}

func testContract(t *testing.T) string {
	addr, err := bech32.ConvertAndEncode("wasm", make([]byte, 32))
	require.NoError(t, err)
	return addr
}

func newCore(t *testing.T, withConfig bool) *Core {
	st := store.NewSharedStore(store.NewDefaultStore(kvstore.NewShared(kvstore.NewMemStore())))
	if withConfig {
		_, err := st.SetConfig(testContractConfig())
		require.NoError(t, err)
	}
	return NewCore(st, keymanager.NewShared(keymanager.NewDefaultKeyManager()), attestor.Mock{}, log.NewNopLogger())
}

var mockVerifier = attestation.NewVerifier(attestation.WithMockAttestation())

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, status.Code(err), err.Error())
}

func TestInstantiate(t *testing.T) {
	_, err := newCore(t, false).Instantiate(context.Background())
	requireCode(t, err, codes.NotFound)

	res, err := newCore(t, true).Instantiate(context.Background())
	require.NoError(t, err)
	a, err := res.Attested()
	require.NoError(t, err)
	msg, err := attestation.Verify(a, sgx.MrEnclave{}, mockVerifier)
	require.NoError(t, err)
	require.Equal(t, "testing", msg.Config.LightClientOpts.ChainID)
}

func TestSessionCreate(t *testing.T) {
	ctx := context.Background()
	core := newCore(t, true)

	_, err := core.SessionCreate(ctx, "not-an-address")
	requireCode(t, err, codes.InvalidArgument)

	res, err := core.SessionCreate(ctx, testContract(t))
	require.NoError(t, err)
	a, err := res.Attested()
	require.NoError(t, err)
	msg, err := attestation.Verify(a, sgx.MrEnclave{}, mockVerifier)
	require.NoError(t, err)
	require.Equal(t, testContract(t), msg.Contract)
	nonce, err := core.Store().Nonce()
	require.NoError(t, err)
	require.Equal(t, *nonce, msg.Nonce)

	_, err = core.SessionCreate(ctx, testContract(t))
	requireCode(t, err, codes.AlreadyExists)
	after, err := core.Store().Nonce()
	require.NoError(t, err)
	require.Equal(t, nonce, after)
}

// flakyAttestor fails the first fails calls and then defers to Mock.
type flakyAttestor struct {
	attestor.Mock
	fails int
}

func (a *flakyAttestor) Attestation(ud sgx.UserData) (attestation.RawAttestation, error) {
	if a.fails > 0 {
		a.fails--
		return attestation.RawAttestation{}, errors.New("quote generation failed")
	}
	return a.Mock.Attestation(ud)
}

func TestSessionCreateAttestationFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewSharedStore(store.NewDefaultStore(kvstore.NewShared(kvstore.NewMemStore())))
	_, err := st.SetConfig(testContractConfig())
	require.NoError(t, err)
	core := NewCore(st, keymanager.NewShared(keymanager.NewDefaultKeyManager()), &flakyAttestor{fails: 1}, log.NewNopLogger())

	_, err = core.SessionCreate(ctx, testContract(t))
	requireCode(t, err, codes.Internal)
	_, found, err := st.Contract()
	require.NoError(t, err)
	require.False(t, found)
	nonce, err := st.Nonce()
	require.NoError(t, err)
	require.Nil(t, nonce)

	res, err := core.SessionCreate(ctx, testContract(t))
	require.NoError(t, err)
	nonce, err = st.Nonce()
	require.NoError(t, err)
	require.Equal(t, res.Msg.Nonce, *nonce)
}

func TestSessionSetPubKey(t *testing.T) {
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		_, err := newCore(t, true).SessionSetPubKey(ctx, types.Session{})
		requireCode(t, err, codes.NotFound)
	})
	t.Run("no config", func(t *testing.T) {
		_, err := newCore(t, false).SessionSetPubKey(ctx, types.Session{})
		requireCode(t, err, codes.NotFound)
	})

	core := newCore(t, true)
	created, err := core.SessionCreate(ctx, testContract(t))
	require.NoError(t, err)
	nonce := created.Msg.Nonce

	t.Run("nonce mismatch", func(t *testing.T) {
		other := nonce
		other[0] ^= 1
		_, err := core.SessionSetPubKey(ctx, types.NewSession(other))
		requireCode(t, err, codes.Unauthenticated)
		require.Nil(t, core.KeyManager().PubKey())
	})
	t.Run("active session", func(t *testing.T) {
		_, err := core.SessionSetPubKey(ctx, types.Session{Nonce: nonce, PubKey: []byte{2}})
		requireCode(t, err, codes.FailedPrecondition)
	})
	t.Run("ok", func(t *testing.T) {
		res, err := core.SessionSetPubKey(ctx, types.NewSession(nonce))
		require.NoError(t, err)
		a, err := res.Attested()
		require.NoError(t, err)
		msg, err := attestation.Verify(a, sgx.MrEnclave{}, mockVerifier)
		require.NoError(t, err)
		require.Equal(t, nonce, msg.Nonce)
		require.Equal(t, types.HexBytes(core.KeyManager().PubKey()), msg.PubKey)
	})
	t.Run("retry attests the same key", func(t *testing.T) {
		pk := core.KeyManager().PubKey()
		res, err := core.SessionSetPubKey(ctx, types.NewSession(nonce))
		require.NoError(t, err)
		require.Equal(t, types.HexBytes(pk), res.Msg.PubKey)
		require.Equal(t, pk, core.KeyManager().PubKey())
	})
}

func TestSign(t *testing.T) {
	ctx := context.Background()
	core := newCore(t, true)

	_, err := core.Sign(ctx, 0, json.RawMessage(`{"transfer":{}}`))
	requireCode(t, err, codes.FailedPrecondition)

	created, err := core.SessionCreate(ctx, testContract(t))
	require.NoError(t, err)
	_, err = core.SessionSetPubKey(ctx, types.NewSession(created.Msg.Nonce))
	require.NoError(t, err)
	pk := core.KeyManager().PubKey()

	for i := uint64(0); i < 3; i++ {
		signed, err := core.Sign(ctx, i, json.RawMessage(`{"transfer":{}}`))
		require.NoError(t, err)
		require.NoError(t, types.VerifySignature(pk, signed.Msg, signed.Sig))
		var seq types.Sequenced
		require.NoError(t, json.Unmarshal(signed.Msg, &seq))
		require.Equal(t, i, seq.SeqNum)
		require.JSONEq(t, `{"transfer":{}}`, string(seq.Msg))
	}

	cases := []struct {
		name    string
		onChain uint64
		msg     string
		code    codes.Code
	}{
		{"invalid json", 3, "{", codes.InvalidArgument},
		{"replayed", 2, "{}", codes.FailedPrecondition},
		{"in flight", 4, "{}", codes.FailedPrecondition},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := core.Sign(ctx, c.onChain, json.RawMessage(c.msg))
			requireCode(t, err, c.code)
			seq, err := core.Store().SeqNum()
			require.NoError(t, err)
			require.Equal(t, uint64(3), seq)
		})
	}
}

func TestEnsureSeqNumConsistency(t *testing.T) {
	st := store.NewDefaultStore(kvstore.NewMemStore())
	_, err := st.IncSeqNum(5)
	require.NoError(t, err)

	cases := []struct {
		name    string
		onChain uint64
		pending uint64
		err     error
	}{
		{"in sync", 5, 0, nil},
		{"pending requests", 7, 2, nil},
		{"replay", 4, 0, types.ErrReplayAttempt},
		{"missing requests", 7, 1, types.ErrSeqNumInconsistency},
		{"too many pending", 5, 1, types.ErrSeqNumInconsistency},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := EnsureSeqNumConsistency(st, c.onChain, c.pending)
			if c.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, c.err)
			}
		})
	}
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "backup", "snapshot.cbor")

	src := newCore(t, true)
	created, err := src.SessionCreate(ctx, testContract(t))
	require.NoError(t, err)
	_, err = src.SessionSetPubKey(ctx, types.NewSession(created.Msg.Nonce))
	require.NoError(t, err)
	require.NoError(t, src.Backup(path))

	dst := newCore(t, false)
	ok, err := dst.TryRestore(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, src.KeyManager().PubKey(), dst.KeyManager().PubKey())
	nonce, err := dst.Store().Nonce()
	require.NoError(t, err)
	require.Equal(t, created.Msg.Nonce, *nonce)
	cfg, err := dst.Store().Config()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	ok, err = newCore(t, false).TryRestore(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConfigBuild(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contract.json")
	bz, err := json.Marshal(testContractConfig())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bz, 0o600))

	v := viper.New()
	v.Set("attestation", "mock")
	v.Set("contract_config", path)
	v.Set("db_dir", filepath.Join(dir, "db"))
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	require.Equal(t, DefaultListenAddr, cfg.ListenAddr)

	core, closeFn, err := cfg.Build(log.NewNopLogger())
	require.NoError(t, err)
	defer closeFn()
	res, err := core.Instantiate(context.Background())
	require.NoError(t, err)
	require.Equal(t, sgx.MrEnclave{}, res.Msg.Config.MrEnclave)

	v.Set("attestation", "sev")
	_, err = LoadConfig(v)
	require.Error(t, err)
}

func TestConfigBuildMpsc(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract.json")
	bz, err := json.Marshal(testContractConfig())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bz, 0o600))

	cfg := Config{ListenAddr: DefaultListenAddr, KVMode: KVModeMpsc, Attestation: attestor.KindMock, ContractConfig: path}
	require.NoError(t, cfg.Validate())
	core, closeFn, err := cfg.Build(log.NewNopLogger())
	require.NoError(t, err)
	_, err = core.SessionCreate(context.Background(), testContract(t))
	require.NoError(t, err)
	require.NoError(t, closeFn())
	_, err = core.Store().Config()
	require.Error(t, err)
}

func TestConfigMrEnclaveMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract.json")
	cc := testContractConfig()
	cc.MrEnclave = sgx.MrEnclave{1}
	bz, err := json.Marshal(cc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bz, 0o600))

	cfg := Config{ListenAddr: DefaultListenAddr, Attestation: attestor.KindMock, ContractConfig: path}
	_, _, err = cfg.Build(log.NewNopLogger())
	require.ErrorContains(t, err, "mr_enclave mismatch")
}
