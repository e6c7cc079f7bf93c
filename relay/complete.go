package relay

import (
	"context"
	"fmt"

	"github.com/datachainlab/quartz-go/attestation"
	"github.com/datachainlab/quartz-go/sgx/dcap"
	"github.com/datachainlab/quartz-go/sgx/ias"
)

// IASClient exchanges an EPID quote for a signed attestation verification report.
type IASClient interface {
	VerifyQuote(ctx context.Context, quote []byte) (*ias.IASReport, error)
}

// CollateralSource fetches the DCAP collateral of a platform.
type CollateralSource interface {
	Collateral(ctx context.Context, fmspc dcap.Fmspc) (*dcap.Collateral, error)
}

// Completer turns the raw quotes produced by an enclave into attestations the contract can verify.
type Completer struct {
	IAS        IASClient
	Collateral CollateralSource
}

// Complete returns raw unchanged unless it is incomplete.
func (c Completer) Complete(ctx context.Context, raw attestation.RawAttestation) (attestation.RawAttestation, error) {
	if !raw.Incomplete() {
		return raw, nil
	}
	if raw.EPIDQuote != nil {
		if c.IAS == nil {
			return raw, fmt.Errorf("EPID quote requires an IAS client")
		}
		report, err := c.IAS.VerifyQuote(ctx, raw.EPIDQuote)
		if err != nil {
			return raw, fmt.Errorf("failed to verify EPID quote with IAS: %w", err)
		}
		return attestation.RawAttestation{EPID: report}, nil
	}
	if c.Collateral == nil {
		return raw, fmt.Errorf("DCAP quote requires a collateral source")
	}
	fmspc, err := quoteFmspc(raw.DCAP.Quote)
	if err != nil {
		return raw, err
	}
	collateral, err := c.Collateral.Collateral(ctx, fmspc)
	if err != nil {
		return raw, fmt.Errorf("failed to fetch collateral: fmspc=%v %w", fmspc, err)
	}
	bz, err := collateral.MarshalCBOR()
	if err != nil {
		return raw, err
	}
	return attestation.RawAttestation{DCAP: &attestation.RawDCAPAttestation{Quote: raw.DCAP.Quote, Collateral: bz}}, nil
}

func quoteFmspc(raw []byte) (dcap.Fmspc, error) {
	quote, err := dcap.ParseQuote(raw)
	if err != nil {
		return dcap.Fmspc{}, err
	}
	chain, err := quote.PCKCertChain()
	if err != nil {
		return dcap.Fmspc{}, err
	}
	if len(chain) == 0 {
		return dcap.Fmspc{}, fmt.Errorf("empty PCK certificate chain")
	}
	exts, err := dcap.ParsePCKExtensions(chain[0])
	if err != nil {
		return dcap.Fmspc{}, err
	}
	return exts.Fmspc, nil
}
