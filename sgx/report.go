package sgx

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	MrEnclaveSize = 32
	NonceSize     = 32
	UserDataSize  = 64

	// QuoteHeaderSize is the size of the quote header shared by EPID and DCAP v3 quotes.
	QuoteHeaderSize = 48
	// ReportBodySize is the size of the ISV enclave report body embedded in a quote.
	ReportBodySize = 384
	// QuoteBodySize is the minimum size of a quote body: header followed by the report body.
	QuoteBodySize = QuoteHeaderSize + ReportBodySize

	// offsets inside a quote body
	attributesOffset = QuoteHeaderSize + 48
	mrEnclaveOffset  = QuoteHeaderSize + 64
	mrSignerOffset   = QuoteHeaderSize + 128
	isvProdIDOffset  = QuoteHeaderSize + 256
	isvSVNOffset     = QuoteHeaderSize + 258
	reportDataOffset = QuoteHeaderSize + 320

	// AttributeDebug is the DEBUG bit of the SGX attributes flags.
	AttributeDebug uint64 = 0x02
)

// MrEnclave is the measurement of an enclave build.
type MrEnclave [MrEnclaveSize]byte

func (m MrEnclave) String() string {
	return hex.EncodeToString(m[:])
}

func (m MrEnclave) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *MrEnclave) UnmarshalJSON(bz []byte) error {
	return unmarshalFixedHex(bz, m[:])
}

// ParseMrEnclave decodes a hex MRENCLAVE, with or without a 0x prefix.
func ParseMrEnclave(s string) (MrEnclave, error) {
	var m MrEnclave
	if err := decodeFixedHex(s, m[:]); err != nil {
		return MrEnclave{}, fmt.Errorf("failed to decode MRENCLAVE: value=%v %w", s, err)
	}
	return m, nil
}

// Nonce is the single-use value an enclave generates when it creates a session.
type Nonce [NonceSize]byte

func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

func (n Nonce) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

func (n *Nonce) UnmarshalJSON(bz []byte) error {
	return unmarshalFixedHex(bz, n[:])
}

// UserData is the report data field of a quote.
// The first half carries a content digest and the second half is zero.
type UserData [UserDataSize]byte

// NewUserData builds the report data binding the given digest.
func NewUserData(digest [32]byte) UserData {
	var ud UserData
	copy(ud[:32], digest[:])
	return ud
}

// UserDataFromJSON returns the report data binding the JSON encoding of v.
func UserDataFromJSON(v any) (UserData, error) {
	bz, err := json.Marshal(v)
	if err != nil {
		return UserData{}, err
	}
	return NewUserData(sha256.Sum256(bz)), nil
}

// Digest returns the content digest half of the report data.
func (u UserData) Digest() [32]byte {
	var d [32]byte
	copy(d[:], u[:32])
	return d
}

func (u UserData) String() string {
	return hex.EncodeToString(u[:])
}

func (u UserData) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *UserData) UnmarshalJSON(bz []byte) error {
	return unmarshalFixedHex(bz, u[:])
}

// QuoteBody is a view over the header and ISV report body of an SGX quote.
type QuoteBody []byte

// ParseQuoteBody checks that raw is long enough to hold a quote body.
func ParseQuoteBody(raw []byte) (QuoteBody, error) {
	if l := len(raw); l < QuoteBodySize {
		return nil, fmt.Errorf("unexpected quote body length: expected>=%v actual=%v", QuoteBodySize, l)
	}
	return QuoteBody(raw), nil
}

func (q QuoteBody) MrEnclave() MrEnclave {
	var m MrEnclave
	copy(m[:], q[mrEnclaveOffset:mrEnclaveOffset+MrEnclaveSize])
	return m
}

func (q QuoteBody) MrSigner() [32]byte {
	var m [32]byte
	copy(m[:], q[mrSignerOffset:mrSignerOffset+32])
	return m
}

func (q QuoteBody) ISVProdID() uint16 {
	return binary.LittleEndian.Uint16(q[isvProdIDOffset:])
}

func (q QuoteBody) ISVSVN() uint16 {
	return binary.LittleEndian.Uint16(q[isvSVNOffset:])
}

func (q QuoteBody) UserData() UserData {
	var ud UserData
	copy(ud[:], q[reportDataOffset:reportDataOffset+UserDataSize])
	return ud
}

func (q QuoteBody) AttributesFlags() uint64 {
	return binary.LittleEndian.Uint64(q[attributesOffset:])
}

func (q QuoteBody) IsDebug() bool {
	return q.AttributesFlags()&AttributeDebug != 0
}

func unmarshalFixedHex(bz []byte, dst []byte) error {
	var s string
	if err := json.Unmarshal(bz, &s); err != nil {
		return err
	}
	return decodeFixedHex(s, dst)
}

func decodeFixedHex(s string, dst []byte) error {
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return err
	}
	if len(bz) != len(dst) {
		return fmt.Errorf("unexpected length: expected=%v actual=%v", len(dst), len(bz))
	}
	copy(dst, bz)
	return nil
}
