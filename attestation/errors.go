package attestation

import (
	errorsmod "cosmossdk.io/errors"
)

const Codespace = "attestation"

var (
	ErrUserDataMismatch        = errorsmod.Register(Codespace, 1, "user data mismatch")
	ErrMrEnclaveMismatch       = errorsmod.Register(Codespace, 2, "mrenclave mismatch")
	ErrMalformedAttestation    = errorsmod.Register(Codespace, 3, "malformed attestation")
	ErrMockAttestationDisabled = errorsmod.Register(Codespace, 4, "mock attestation is disabled")
	ErrQuoteStatus             = errorsmod.Register(Codespace, 5, "quote status is not allowed")
	ErrAdvisoryNotAllowed      = errorsmod.Register(Codespace, 6, "advisory id is not allowed")
	ErrDebugEnclave            = errorsmod.Register(Codespace, 7, "debug enclave is not allowed")
	ErrTcbInfoQuery            = errorsmod.Register(Codespace, 8, "failed to query tcb info")
)
