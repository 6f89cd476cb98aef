//go:build windows

package factory

import (
	"github.com/obhv/obhv/internal/hv"
	"github.com/obhv/obhv/internal/hv/whp"
)

func Open() (hv.Hypervisor, error) {
	return whp.Open()
}
