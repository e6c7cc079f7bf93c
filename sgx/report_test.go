package sgx

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func newQuoteBody(mrEnclave MrEnclave, ud UserData, debug bool) []byte {
	raw := make([]byte, QuoteBodySize)
	binary.LittleEndian.PutUint16(raw[0:2], 3)
	copy(raw[mrEnclaveOffset:], mrEnclave[:])
	copy(raw[reportDataOffset:], ud[:])
	binary.LittleEndian.PutUint16(raw[isvProdIDOffset:], 7)
	binary.LittleEndian.PutUint16(raw[isvSVNOffset:], 2)
	if debug {
		binary.LittleEndian.PutUint64(raw[attributesOffset:], AttributeDebug)
	}
	return raw
}

func TestQuoteBody(t *testing.T) {
	require := require.New(t)

	var mr MrEnclave
	mr[0], mr[31] = 0xaa, 0xbb
	ud := NewUserData(sha256.Sum256([]byte("message")))

	body, err := ParseQuoteBody(newQuoteBody(mr, ud, true))
	require.NoError(err)
	require.Equal(mr, body.MrEnclave())
	require.Equal(ud, body.UserData())
	require.Equal(uint16(7), body.ISVProdID())
	require.Equal(uint16(2), body.ISVSVN())
	require.True(body.IsDebug())

	_, err = ParseQuoteBody(make([]byte, QuoteBodySize-1))
	require.Error(err)
}

func TestUserDataFromJSON(t *testing.T) {
	require := require.New(t)

	v := struct {
		Nonce    string `json:"nonce"`
		Contract string `json:"contract"`
	}{"00ff", "wasm1xyz"}
	ud, err := UserDataFromJSON(v)
	require.NoError(err)

	expected := sha256.Sum256([]byte(`{"nonce":"00ff","contract":"wasm1xyz"}`))
	require.Equal(expected, ud.Digest())
	require.Equal(make([]byte, 32), ud[32:])
}

func TestHexJSON(t *testing.T) {
	require := require.New(t)

	var n Nonce
	n[0] = 1
	bz, err := json.Marshal(n)
	require.NoError(err)
	require.Equal(`"0100000000000000000000000000000000000000000000000000000000000000"`, string(bz))

	var decoded Nonce
	require.NoError(json.Unmarshal(bz, &decoded))
	require.Equal(n, decoded)

	require.Error(json.Unmarshal([]byte(`"0102"`), &decoded))

	mr, err := ParseMrEnclave("0x" + n.String())
	require.NoError(err)
	require.Equal(n[:], mr[:])
	_, err = ParseMrEnclave("zz")
	require.Error(err)
}
