package keymanager

import (
	"testing"

	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/stretchr/testify/require"
)

func TestKeyGen(t *testing.T) {
	km := NewShared(NewDefaultKeyManager())
	require.Nil(t, km.PubKey())
	require.Nil(t, km.Export())
	_, err := km.Sign([]byte("msg"))
	require.ErrorIs(t, err, types.ErrKeyManager)

	require.NoError(t, km.KeyGen())
	pk1 := km.PubKey()
	require.Len(t, pk1, 33)
	require.NoError(t, types.ValidatePubKey(pk1))

	require.NoError(t, km.KeyGen())
	require.NotEqual(t, pk1, km.PubKey())
}

func TestSign(t *testing.T) {
	km := NewShared(NewDefaultKeyManager())
	require.NoError(t, km.KeyGen())
	msg := []byte(`{"seq_num":0,"msg":{}}`)
	sig, err := km.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, types.VerifySignature(km.PubKey(), msg, sig))
}

func TestEnsureKey(t *testing.T) {
	km := NewShared(NewDefaultKeyManager())
	pk, err := km.EnsureKey()
	require.NoError(t, err)
	require.Equal(t, km.PubKey(), pk)

	again, err := km.EnsureKey()
	require.NoError(t, err)
	require.Equal(t, pk, again)

	require.NoError(t, km.KeyGen())
	rotated, err := km.EnsureKey()
	require.NoError(t, err)
	require.NotEqual(t, pk, rotated)
}

func TestExportImport(t *testing.T) {
	src := NewShared(NewDefaultKeyManager())
	require.NoError(t, src.KeyGen())
	bz := src.Export()
	require.Len(t, bz, 32)

	dst := NewShared(NewDefaultKeyManager())
	require.NoError(t, dst.Import(bz))
	require.Equal(t, src.PubKey(), dst.PubKey())
	require.Equal(t, bz, dst.Export())
}

func TestImportMalformed(t *testing.T) {
	km := NewShared(NewDefaultKeyManager())
	require.NoError(t, km.KeyGen())
	pk := km.PubKey()

	for _, bz := range [][]byte{nil, make([]byte, 31), make([]byte, 32), make([]byte, 33)} {
		require.ErrorIs(t, km.Import(bz), types.ErrKeyManager)
		require.Equal(t, pk, km.PubKey())
	}
}
