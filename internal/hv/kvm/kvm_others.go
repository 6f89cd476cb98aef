//go:build linux && !amd64 && !arm64

package kvm

import (
	"fmt"

	"github.com/obhv/obhv/internal/hv"
)

func (c *cpu) States() (hv.States, error) {
	return nil, fmt.Errorf("kvm: States not supported on this architecture")
}

func (c *cpu) Translate(vaddr uint64) (uint64, error) {
	return 0, fmt.Errorf("kvm: Translate not supported on this architecture")
}

func archReadCpuFeats(vcpuFd int) (hv.CpuFeats, error) {
	return hv.CpuFeats{}, nil
}

func archVMInit(h *hypervisor, vm *virtualMachine) error {
	return nil
}

func archVCPUInit(h *hypervisor, c *cpu) error {
	return fmt.Errorf("kvm: unsupported architecture")
}
