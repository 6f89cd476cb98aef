//go:build windows && !amd64 && !arm64

package whp

import (
	"fmt"

	"github.com/obhv/obhv/internal/hv"
)

// Architecture implements hv.Hypervisor.
func (h *hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}

func (h *hypervisor) archVMInit(vm *virtualMachine, numCpus int) error {
	return fmt.Errorf("whp: unsupported architecture")
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, c *cpu) error {
	return fmt.Errorf("whp: unsupported architecture")
}

func archReadCpuFeats() hv.CpuFeats { return hv.CpuFeats{} }

// ioWriteback is unused on this architecture; archVCPUInit always fails
// before a cpu ever runs.
type ioWriteback struct{}

func (c *cpu) States() (hv.States, error) {
	return nil, fmt.Errorf("whp: unsupported architecture")
}

func (c *cpu) Translate(vaddr uint64) (uint64, error) {
	return 0, fmt.Errorf("whp: unsupported architecture")
}

func (c *cpu) runOnce() (hv.Exit, error) {
	return hv.Exit{}, fmt.Errorf("whp: unsupported architecture")
}
