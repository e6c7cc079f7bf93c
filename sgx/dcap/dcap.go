package dcap

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	errorsmod "cosmossdk.io/errors"
)

const (
	UpToDate TCBStatus = iota
	OutOfDate
	Revoked
	ConfigurationNeeded
	OutOfDateConfigurationNeeded
	SWHardeningNeeded
	ConfigurationAndSWHardeningNeeded
)

const (
	TEETypeSGX = 0
	QEVersion3 = 3

	FmspcSize = 6
)

const Codespace = "dcap"

var (
	ErrDcapVerification = errorsmod.Register(Codespace, 1, "dcap verification failed")
	ErrInvalidFmspc     = errorsmod.Register(Codespace, 2, "invalid fmspc")
	ErrMalformedQuote   = errorsmod.Register(Codespace, 3, "malformed quote")
)

type TCBStatus uint8

func (s TCBStatus) AsUint8() uint8 {
	return uint8(s)
}

func (s TCBStatus) String() string {
	switch s {
	case UpToDate:
		return "UpToDate"
	case OutOfDate:
		return "OutOfDate"
	case Revoked:
		return "Revoked"
	case ConfigurationNeeded:
		return "ConfigurationNeeded"
	case OutOfDateConfigurationNeeded:
		return "OutOfDateConfigurationNeeded"
	case SWHardeningNeeded:
		return "SWHardeningNeeded"
	case ConfigurationAndSWHardeningNeeded:
		return "ConfigurationAndSWHardeningNeeded"
	default:
		return "Unrecognized"
	}
}

func TCBStatusFromString(s string) (TCBStatus, error) {
	switch s {
	case "UpToDate":
		return UpToDate, nil
	case "OutOfDate":
		return OutOfDate, nil
	case "Revoked":
		return Revoked, nil
	case "ConfigurationNeeded":
		return ConfigurationNeeded, nil
	case "OutOfDateConfigurationNeeded":
		return OutOfDateConfigurationNeeded, nil
	case "SWHardeningNeeded":
		return SWHardeningNeeded, nil
	case "ConfigurationAndSWHardeningNeeded":
		return ConfigurationAndSWHardeningNeeded, nil
	default:
		return 0, fmt.Errorf("unrecognized TCB status: %s", s)
	}
}

// Fmspc identifies a platform family (Family-Model-Stepping-Platform-CustomSKU).
type Fmspc [FmspcSize]byte

func ParseFmspc(s string) (Fmspc, error) {
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Fmspc{}, errorsmod.Wrapf(ErrInvalidFmspc, "invalid hex: %v", s)
	}
	if len(bz) != FmspcSize {
		return Fmspc{}, errorsmod.Wrapf(ErrInvalidFmspc, "must be %v bytes: %v", FmspcSize, s)
	}
	var f Fmspc
	copy(f[:], bz)
	return f, nil
}

func (f Fmspc) String() string {
	return hex.EncodeToString(f[:])
}

func (f Fmspc) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *Fmspc) UnmarshalJSON(bz []byte) error {
	var s string
	if err := json.Unmarshal(bz, &s); err != nil {
		return err
	}
	v, err := ParseFmspc(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// VerificationError is returned for every failed quote verification.
// Output is set when the failure happened after the verification output was assembled.
type VerificationError struct {
	Output *QuoteVerificationOutput
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Output != nil {
		return fmt.Sprintf("dcap verification failed: tcb_status=%v advisory_ids=%v: %v", e.Output.TcbStatus, e.Output.AdvisoryIds, e.Err)
	}
	return fmt.Sprintf("dcap verification failed: %v", e.Err)
}

func (e *VerificationError) Unwrap() []error {
	return []error{ErrDcapVerification, e.Err}
}

func verificationError(out *QuoteVerificationOutput, format string, args ...any) error {
	return &VerificationError{Output: out, Err: fmt.Errorf(format, args...)}
}
