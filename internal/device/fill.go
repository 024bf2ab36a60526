package device

import (
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// minChunk is the smallest slice a fill worker gets.
const minChunk = 1 << 16

// fillWorkers defines the default parallelism for host fills.
var fillWorkers = runtime.NumCPU()

// FillFloat64 sets every element of dst to v.
func FillFloat64(dst []float64, v float64) {
	impl := blas64.Implementation()
	fillChunks(len(dst), func(lo, hi int) {
		d := dst[lo:hi]
		d[0] = v
		for k := 1; k < len(d); k *= 2 {
			n := min(k, len(d)-k)
			impl.Dcopy(n, d[:n], 1, d[k:k+n], 1)
		}
	})
}

// FillFloat32 sets every element of dst to v.
func FillFloat32(dst []float32, v float32) {
	impl := blas32.Implementation()
	fillChunks(len(dst), func(lo, hi int) {
		d := dst[lo:hi]
		d[0] = v
		for k := 1; k < len(d); k *= 2 {
			n := min(k, len(d)-k)
			impl.Scopy(n, d[:n], 1, d[k:k+n], 1)
		}
	})
}

// fillChunks splits [0, n) across workers and waits for all of them.
func fillChunks(n int, fn func(lo, hi int)) {
	if n == 0 {
		return
	}
	workers := fillWorkers
	if w := (n + minChunk - 1) / minChunk; w < workers {
		workers = w
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}
