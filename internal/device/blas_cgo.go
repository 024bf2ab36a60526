//go:build cgo

package device

// This file registers the netlib BLAS implementation which uses system BLAS
// (Accelerate on macOS, OpenBLAS on Linux) when CGO is available.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	blas64.Use(netlib.Implementation{})
	hostBLAS = true
	log.Debug().Msg("Host BLAS acceleration enabled (netlib)")
}
