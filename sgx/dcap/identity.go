package dcap

import (
	"fmt"

	"github.com/datachainlab/quartz-go/sgx"
	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultAllowedAdvisories are the advisories accepted for a SWHardeningNeeded platform.
var DefaultAllowedAdvisories = []string{"INTEL-SA-00334", "INTEL-SA-00615"}

// TrustedIdentity is an enclave identity accepted by the verifier.
// It matches either by MRENCLAVE, or by MRSIGNER with product ID and minimum ISVSVN.
type TrustedIdentity struct {
	MrEnclave *sgx.MrEnclave `cbor:"mr_enclave,omitempty" json:"mr_enclave,omitempty"`
	MrSigner  *[32]byte      `cbor:"mr_signer,omitempty" json:"mr_signer,omitempty"`
	ISVProdID uint16         `cbor:"isv_prod_id" json:"isv_prod_id"`
	MinISVSVN uint16         `cbor:"min_isv_svn" json:"min_isv_svn"`
	// AllowedStatuses are the non-UpToDate TCB statuses accepted for this identity.
	AllowedStatuses []TCBStatus `cbor:"allowed_statuses" json:"allowed_statuses"`
	// AllowedAdvisories must contain every advisory ID reported for the platform.
	AllowedAdvisories []string `cbor:"allowed_advisories" json:"allowed_advisories"`
}

// NewMrEnclaveIdentity returns an identity pinned to mrEnclave that tolerates SWHardeningNeeded
// with the default advisories.
func NewMrEnclaveIdentity(mrEnclave sgx.MrEnclave) TrustedIdentity {
	return TrustedIdentity{
		MrEnclave:         &mrEnclave,
		AllowedStatuses:   []TCBStatus{SWHardeningNeeded},
		AllowedAdvisories: append([]string(nil), DefaultAllowedAdvisories...),
	}
}

func NewMrSignerIdentity(mrSigner [32]byte, isvProdID, minISVSVN uint16) TrustedIdentity {
	return TrustedIdentity{
		MrSigner:          &mrSigner,
		ISVProdID:         isvProdID,
		MinISVSVN:         minISVSVN,
		AllowedStatuses:   []TCBStatus{SWHardeningNeeded},
		AllowedAdvisories: append([]string(nil), DefaultAllowedAdvisories...),
	}
}

func (id TrustedIdentity) Validate() error {
	if (id.MrEnclave == nil) == (id.MrSigner == nil) {
		return fmt.Errorf("exactly one of mr_enclave and mr_signer must be set")
	}
	return nil
}

// Matches reports whether the enclave of body is this identity.
func (id TrustedIdentity) Matches(body sgx.QuoteBody) bool {
	if id.MrEnclave != nil {
		return body.MrEnclave() == *id.MrEnclave
	}
	if id.MrSigner != nil {
		return body.MrSigner() == *id.MrSigner &&
			body.ISVProdID() == id.ISVProdID &&
			body.ISVSVN() >= id.MinISVSVN
	}
	return false
}

// Accepts applies the TCB policy of the identity.
func (id TrustedIdentity) Accepts(status TCBStatus, advisoryIDs []string) error {
	switch status {
	case UpToDate:
	case Revoked:
		return fmt.Errorf("TCB is revoked")
	default:
		if !mapset.NewThreadUnsafeSet(id.AllowedStatuses...).Contains(status) {
			return fmt.Errorf("TCB status is not allowed: %v", status)
		}
	}
	allowed := mapset.NewThreadUnsafeSet(id.AllowedAdvisories...)
	if diff := mapset.NewThreadUnsafeSet(advisoryIDs...).Difference(allowed); diff.Cardinality() > 0 {
		return fmt.Errorf("advisory IDs are not allowed: %v", diff.ToSlice())
	}
	return nil
}

// MatchIdentities returns nil if at least one identity matches body and accepts the TCB state.
func MatchIdentities(ids []TrustedIdentity, body sgx.QuoteBody, status TCBStatus, advisoryIDs []string) error {
	var lastErr error
	for _, id := range ids {
		if !id.Matches(body) {
			continue
		}
		if err := id.Accepts(status, advisoryIDs); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("no trusted identity matches the enclave: mrenclave=%v", body.MrEnclave())
}
