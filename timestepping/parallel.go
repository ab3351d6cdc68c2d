package timestepping

import (
	"errors"
	"sync"

	"github.com/notargets/seislts/kernels"
)

// scratch is the per-worker working memory of the integrators
type scratch struct {
	derivs     [][]float64
	integrated []float64
	neighbor   []float64
	face       [][]float64
}

func newScratch(s kernels.Shape) *scratch {
	return &scratch{
		derivs:     kernels.NewDerivativeScratch(s),
		integrated: make([]float64, s.Dofs()),
		neighbor:   make([]float64, s.Dofs()),
		face:       kernels.NewFaceScratch(s),
	}
}

// parallelFor splits [0, n) into contiguous chunks, one per worker, and
// returns the joined errors of all chunks
func (tc *TimeCluster) parallelFor(n int, body func(w *scratch, i int) error) error {
	if n == 0 {
		return nil
	}
	workers := tc.workers
	if workers > n {
		workers = n
	}
	if workers == 1 {
		for i := 0; i < n; i++ {
			if err := body(tc.scratch[0], i); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, workers)
	)
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, (w+1)*chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				if err := body(tc.scratch[w], i); err != nil {
					errs[w] = err
					return
				}
			}
		}(w, lo, hi)
	}
	wg.Wait()
	return errors.Join(errs...)
}
