// Package labelfeat builds the (label × feature) centroid matrix used to
// seed hierarchical k-means tree construction: one row per label holding
// the sum, or length-normalized sum, of feature vectors of the examples
// that carry that label.
package labelfeat

import (
	"math"
	"sync"

	"github.com/gonum/floats"
	"github.com/gonum/matrix/mat64"

	"github.com/chenhao392/extremeplt/internal/srm"
)

// lockBankSize is a small prime used to bound mutex contention: writers
// synchronize per label-mod-lockBankSize stripe rather than one lock per
// label or one lock for the whole matrix.
const lockBankSize = 1031

// Aggregate builds a dense (k labels x d features) matrix from labels Y
// and features X. When weighted is true, each example's contribution is
// divided by its label count. When l2Normalize is true, every output row
// is normalized to unit L2 norm after accumulation. The bias feature
// (index 1) is never aggregated.
func Aggregate(Y *srm.Matrix[srm.Label], X *srm.Matrix[srm.Feature], threads int, weighted, l2Normalize bool) *mat64.Dense {
	k := Y.Cols()
	d := X.Cols()
	out := mat64.NewDense(k, d, nil)

	if threads < 1 {
		threads = 1
	}

	var locks [lockBankSize]sync.Mutex
	rows := Y.Rows()

	var wg sync.WaitGroup
	rowsPerWorker := (rows + threads - 1) / threads
	for w := 0; w < threads; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if start >= rows {
			break
		}
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				labels := Y.RowEntries(i)
				features := X.RowEntries(i)
				if len(labels) == 0 {
					continue
				}
				scale := 1.0
				if weighted {
					scale = 1.0 / float64(len(labels))
				}
				for _, lbl := range labels {
					l := int(lbl)
					stripe := &locks[l%lockBankSize]
					stripe.Lock()
					for _, f := range features {
						if f.Index == 1 {
							continue // bias slot
						}
						out.Set(l, int(f.Index), out.At(l, int(f.Index))+float64(f.Value)*scale)
					}
					stripe.Unlock()
				}
			}
		}(start, end)
	}
	wg.Wait()

	if l2Normalize {
		for l := 0; l < k; l++ {
			row := out.RawRowView(l)
			norm := floats.Dot(row, row)
			if norm == 0 {
				continue
			}
			floats.Scale(1/math.Sqrt(norm), row)
		}
	}

	return out
}
