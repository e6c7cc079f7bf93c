package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/datachainlab/quartz-go/sgx/dcap"
)

var _ CollateralSource = (*StaticCollateral)(nil)

// StaticCollateral serves a single collateral set, typically fetched from a PCCS ahead of time.
type StaticCollateral struct {
	collateral *dcap.Collateral
	fmspc      dcap.Fmspc
}

func NewStaticCollateral(c *dcap.Collateral) (*StaticCollateral, error) {
	fmspc, err := c.Fmspc()
	if err != nil {
		return nil, err
	}
	return &StaticCollateral{collateral: c, fmspc: fmspc}, nil
}

// LoadStaticCollateral reads a JSON encoded collateral from path.
func LoadStaticCollateral(path string) (*StaticCollateral, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c dcap.Collateral
	if err := json.Unmarshal(bz, &c); err != nil {
		return nil, fmt.Errorf("failed to decode collateral: path=%v %w", path, err)
	}
	return NewStaticCollateral(&c)
}

func (s *StaticCollateral) Collateral(_ context.Context, fmspc dcap.Fmspc) (*dcap.Collateral, error) {
	if fmspc != s.fmspc {
		return nil, fmt.Errorf("no collateral for fmspc: expected=%v actual=%v", s.fmspc, fmspc)
	}
	return s.collateral, nil
}
