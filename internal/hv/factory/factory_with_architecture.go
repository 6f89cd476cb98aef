package factory

import (
	"fmt"

	"github.com/obhv/obhv/internal/hv"
)

// NewWithArchitecture opens the host's accelerated hypervisor backend
// for the requested guest architecture. Every backend is
// host-accelerated only - there is no interpreter fallback for a guest
// architecture that doesn't match the host's.
func NewWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	if arch != hv.ArchitectureNative {
		return nil, fmt.Errorf("unsupported architecture %q: host is %q", arch, hv.ArchitectureNative)
	}
	return Open()
}

// OpenWithArchitecture mirrors NewWithArchitecture but treats an invalid
// architecture as "use the host default".
func OpenWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	if arch == hv.ArchitectureInvalid {
		return Open()
	}
	return NewWithArchitecture(arch)
}
