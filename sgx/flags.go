package sgx

import (
	"sync/atomic"

	"github.com/oasisprotocol/oasis-core/go/common/sgx/ias"
)

var allowDebugEnclaves atomic.Bool

// SetAllowDebugEnclaves will enable accepting attestations from enclaves
// with the debug flag enabled for the remainder of the process' lifetime.
func SetAllowDebugEnclaves() {
	ias.SetAllowDebugEnclaves()
	allowDebugEnclaves.Store(true)
}

// UnsetAllowDebugEnclaves will disable accepting attestations from enclaves
// with the debug flag enabled for the remainder of the process' lifetime.
func UnsetAllowDebugEnclaves() {
	ias.UnsetAllowDebugEnclaves()
	allowDebugEnclaves.Store(false)
}

func AllowDebugEnclaves() bool {
	return allowDebugEnclaves.Load()
}
