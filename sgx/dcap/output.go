package dcap

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/datachainlab/quartz-go/sgx"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/oasisprotocol/oasis-core/go/common/sgx/pcs"
)

const (
	QuoteVerificationOutputVersion = 0

	outputHeaderSize = 67
	// offset of the attributes flags inside the report body
	reportAttributesOffset = 48
)

var (
	advisoryIdsABI, _ = abi.NewType("string[]", "", nil)
)

type QuoteBody = pcs.SgxReport

type QuoteVerificationOutput struct {
	Version                    uint16
	QuoteVersion               uint16
	TeeType                    uint32
	TcbStatus                  TCBStatus
	MinTCBEvaluationDataNumber uint32
	Fmspc                      Fmspc
	SGXIntelRootCAHash         [32]byte
	Validity                   ValidityIntersection
	QuoteBody                  QuoteBody
	AdvisoryIds                []string
}

func (vo QuoteVerificationOutput) ReportData() []byte {
	return vo.QuoteBody.ReportData()
}

func (vo QuoteVerificationOutput) MrEnclave() sgx.MrEnclave {
	return sgx.MrEnclave(vo.QuoteBody.AsEnclaveIdentity().MrEnclave)
}

func (vo QuoteVerificationOutput) IsDebug() bool {
	raw := vo.QuoteBody.Raw()
	if len(raw) < reportAttributesOffset+8 {
		return false
	}
	return binary.LittleEndian.Uint64(raw[reportAttributesOffset:])&sgx.AttributeDebug != 0
}

// GetExpiredAt returns the end of the validity intersection.
func (vo QuoteVerificationOutput) GetExpiredAt() time.Time {
	return time.Unix(int64(vo.Validity.NotAfterMin), 0)
}

// Digest commits to the whole output, including the TCB state and the validity window.
func (vo QuoteVerificationOutput) Digest() [32]byte {
	return sha256.Sum256(vo.ToBytes())
}

// ValidityIntersection is the intersection of the validity periods of every certificate,
// CRL and collateral item that took part in the verification.
type ValidityIntersection struct {
	NotBeforeMax uint64
	NotAfterMin  uint64
}

func (vi ValidityIntersection) ValidateTime(tm time.Time) bool {
	t := uint64(tm.Unix())
	return vi.NotBeforeMax <= t && t <= vi.NotAfterMin
}

func (vi *ValidityIntersection) narrow(notBefore, notAfter time.Time) {
	if nb := uint64(notBefore.Unix()); nb > vi.NotBeforeMax {
		vi.NotBeforeMax = nb
	}
	if na := uint64(notAfter.Unix()); vi.NotAfterMin == 0 || na < vi.NotAfterMin {
		vi.NotAfterMin = na
	}
}

// ToBytes encodes the output in the layout of the on-chain DCAP verifier: a big-endian header,
// the raw report body and the ABI encoded advisory IDs.
func (o *QuoteVerificationOutput) ToBytes() []byte {
	bz := make([]byte, outputHeaderSize)
	binary.BigEndian.PutUint16(bz[0:2], o.Version)
	binary.BigEndian.PutUint16(bz[2:4], o.QuoteVersion)
	binary.BigEndian.PutUint32(bz[4:8], o.TeeType)
	bz[8] = o.TcbStatus.AsUint8()
	binary.BigEndian.PutUint32(bz[9:13], o.MinTCBEvaluationDataNumber)
	copy(bz[13:19], o.Fmspc[:])
	copy(bz[19:51], o.SGXIntelRootCAHash[:])
	binary.BigEndian.PutUint64(bz[51:59], o.Validity.NotBeforeMax)
	binary.BigEndian.PutUint64(bz[59:67], o.Validity.NotAfterMin)
	qbz, err := o.QuoteBody.MarshalBinary()
	if err != nil {
		panic(err)
	}
	bz = append(bz, qbz...)
	packer := abi.Arguments{
		{Type: advisoryIdsABI},
	}
	ids := o.AdvisoryIds
	if ids == nil {
		ids = []string{}
	}
	abz, err := packer.PackValues([]interface{}{ids})
	if err != nil {
		panic(err)
	}
	return append(bz, abz...)
}
