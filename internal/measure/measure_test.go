package measure

import (
	"testing"

	"github.com/chenhao392/extremeplt/internal/plt"
	"github.com/chenhao392/extremeplt/internal/srm"
)

func approxEqual(a, b float64) bool {
	const eps = 1e-9
	diff := a - b
	return diff < eps && diff > -eps
}

func TestPrecisionAndRecallAtK(t *testing.T) {
	trueBatch := [][]srm.Label{{0, 2}}
	predBatch := [][]plt.Prediction{
		{{Label: 0, Score: 0.9}, {Label: 1, Score: 0.8}, {Label: 2, Score: 0.5}},
	}

	p := NewPrecisionAtK(2)
	p.Accumulate(trueBatch, predBatch)
	got, err := p.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if !approxEqual(got, 0.5) { // top-2 preds {0,1}; 1 of 2 correct
		t.Fatalf("p@2 = %v, want 0.5", got)
	}

	r := NewRecallAtK(2)
	r.Accumulate(trueBatch, predBatch)
	got, err = r.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if !approxEqual(got, 0.5) { // 1 of 2 true labels found in top-2
		t.Fatalf("r@2 = %v, want 0.5", got)
	}
}

func TestCoverageAtKRequiresFullTrueSet(t *testing.T) {
	trueBatch := [][]srm.Label{{0, 2}, {0}}
	predBatch := [][]plt.Prediction{
		{{Label: 0, Score: 0.9}, {Label: 2, Score: 0.5}}, // covers both
		{{Label: 1, Score: 0.9}},                          // misses label 0
	}

	c := NewCoverageAtK(2)
	c.Accumulate(trueBatch, predBatch)
	got, err := c.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if !approxEqual(got, 0.5) {
		t.Fatalf("c@2 = %v, want 0.5", got)
	}
}

func TestAccuracyJaccard(t *testing.T) {
	trueBatch := [][]srm.Label{{0, 1}}
	predBatch := [][]plt.Prediction{{{Label: 0, Score: 0.9}, {Label: 2, Score: 0.5}}}

	a := NewAccuracy()
	a.Accumulate(trueBatch, predBatch)
	got, err := a.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	// intersection {0} = 1, union {0,1,2} = 3.
	if !approxEqual(got, 1.0/3.0) {
		t.Fatalf("acc = %v, want 1/3", got)
	}
}

func TestSetSizeMeansPredictionLength(t *testing.T) {
	predBatch := [][]plt.Prediction{
		{{Label: 0, Score: 0.9}, {Label: 1, Score: 0.5}},
		{{Label: 0, Score: 0.9}},
	}
	s := NewSetSize()
	s.Accumulate(nil, predBatch)
	got, err := s.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if !approxEqual(got, 1.5) {
		t.Fatalf("s = %v, want 1.5", got)
	}
}

func TestF1HarmonicMean(t *testing.T) {
	trueBatch := [][]srm.Label{{0, 1}}
	predBatch := [][]plt.Prediction{{{Label: 0, Score: 0.9}, {Label: 2, Score: 0.5}}}

	f := NewF1()
	f.Accumulate(trueBatch, predBatch)
	got, err := f.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	// precision = 1/2, recall = 1/2, F1 = 0.5
	if !approxEqual(got, 0.5) {
		t.Fatalf("F1 = %v, want 0.5", got)
	}
}

func TestCoverageErrorWorstRankAcrossTrueLabels(t *testing.T) {
	trueBatch := [][]srm.Label{{0, 2}}
	predBatch := [][]plt.Prediction{
		{{Label: 0, Score: 0.9}, {Label: 1, Score: 0.8}, {Label: 2, Score: 0.5}},
	}

	c := NewCoverage()
	c.Accumulate(trueBatch, predBatch)
	got, err := c.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if !approxEqual(got, 3) { // label 2 sits at rank 3
		t.Fatalf("coverage = %v, want 3", got)
	}
}
