package dcap

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
)

var (
	OIDSGXExtensions = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}
	OIDTCB           = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 2}
	OIDFmspc         = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 4}
	OIDPCESVN        = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 2, 17}
)

const tcbComponentCount = 16

// PCKExtensionEntry is an element of the SGX extensions sequence of a PCK certificate.
type PCKExtensionEntry struct {
	ID    asn1.ObjectIdentifier
	Value asn1.RawValue
}

// PCKExtensions holds the platform values carried by a PCK certificate.
type PCKExtensions struct {
	Fmspc         Fmspc
	TCBComponents [tcbComponentCount]uint8
	PCESVN        uint16
}

func ParsePCKExtensions(cert *x509.Certificate) (*PCKExtensions, error) {
	var raw []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDSGXExtensions) {
			raw = ext.Value
			break
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("SGX extensions not found in the PCK certificate")
	}
	var entries []PCKExtensionEntry
	if _, err := asn1.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode SGX extensions: %w", err)
	}
	var (
		exts     PCKExtensions
		hasFmspc bool
		hasTCB   bool
	)
	for _, e := range entries {
		switch {
		case e.ID.Equal(OIDFmspc):
			if e.Value.Tag != asn1.TagOctetString || len(e.Value.Bytes) != FmspcSize {
				return nil, fmt.Errorf("%w: unexpected FMSPC encoding", ErrInvalidFmspc)
			}
			copy(exts.Fmspc[:], e.Value.Bytes)
			hasFmspc = true
		case e.ID.Equal(OIDTCB):
			if err := parseTCBExtension(e.Value.FullBytes, &exts); err != nil {
				return nil, err
			}
			hasTCB = true
		}
	}
	if !hasFmspc || !hasTCB {
		return nil, fmt.Errorf("incomplete SGX extensions: fmspc=%v tcb=%v", hasFmspc, hasTCB)
	}
	return &exts, nil
}

func parseTCBExtension(bz []byte, exts *PCKExtensions) error {
	var entries []PCKExtensionEntry
	if _, err := asn1.Unmarshal(bz, &entries); err != nil {
		return fmt.Errorf("failed to decode TCB extension: %w", err)
	}
	for _, e := range entries {
		if len(e.ID) != len(OIDTCB)+1 || !e.ID[:len(OIDTCB)].Equal(OIDTCB) {
			continue
		}
		idx := e.ID[len(OIDTCB)]
		if idx < 1 || idx > tcbComponentCount+1 {
			continue
		}
		var v int
		if _, err := asn1.Unmarshal(e.Value.FullBytes, &v); err != nil {
			return fmt.Errorf("failed to decode TCB component %v: %w", idx, err)
		}
		if idx == tcbComponentCount+1 {
			if v < 0 || v > 0xffff {
				return fmt.Errorf("PCESVN out of range: %v", v)
			}
			exts.PCESVN = uint16(v)
			continue
		}
		if v < 0 || v > 0xff {
			return fmt.Errorf("TCB component %v out of range: %v", idx, v)
		}
		exts.TCBComponents[idx-1] = uint8(v)
	}
	return nil
}
