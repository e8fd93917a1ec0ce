//go:build !linux

package gwnet

import (
	"errors"

	"github.com/ozerelkerem/portmapper/bus"
)

// ErrUnsupportedPlatform is returned by New on platforms without a
// reactor_*.go implementation backing it (currently Linux only — see
// DESIGN.md).
var ErrUnsupportedPlatform = errors.New("gwnet: unsupported platform")

// Gateway is declared here only so the package exports the same API shape
// on every GOOS; it can never be constructed off Linux.
type Gateway struct{}

// New always fails off Linux.
func New() (*Gateway, error) {
	return nil, ErrUnsupportedPlatform
}

func (g *Gateway) Bus() bus.Bus { return nil }

func (g *Gateway) Wait() {}
