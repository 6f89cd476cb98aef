//go:build linux && amd64

package factory

import (
	"github.com/obhv/obhv/internal/hv"
	"github.com/obhv/obhv/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
