//go:build darwin && arm64

package factory

import (
	"github.com/obhv/obhv/internal/hv"
	"github.com/obhv/obhv/internal/hv/hvf"
)

func Open() (hv.Hypervisor, error) {
	return hvf.Open()
}
