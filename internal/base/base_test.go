package base

import (
	"bytes"
	"math"
	"testing"

	"github.com/chenhao392/extremeplt/internal/srm"
)

func TestFitDegenerateAllSameLabelReturnsConstant(t *testing.T) {
	rows := [][]srm.Feature{
		{{Index: 0, Value: 1}},
		{{Index: 0, Value: 2}},
	}
	y := []float64{1, 1}

	m, err := Fit(rows, y, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !m.Constant {
		t.Fatalf("expected constant classifier")
	}
	if m.Probability(rows[0]) != 1 {
		t.Fatalf("Probability = %v, want 1", m.Probability(rows[0]))
	}
}

func TestFitEmptyReturnsConstantHalf(t *testing.T) {
	m, err := Fit(nil, nil, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !m.Constant || m.ConstP != 0.5 {
		t.Fatalf("expected constant 0.5 classifier, got %+v", m)
	}
}

func TestProbabilityClampsExtremeExponents(t *testing.T) {
	m := &Model{Weights: []SparseWeight{{Index: 0, Weight: 100}}}
	hi := m.Probability([]srm.Feature{{Index: 0, Value: 1}})
	if hi != 1 {
		t.Fatalf("Probability(large positive) = %v, want 1", hi)
	}
	lo := m.Probability([]srm.Feature{{Index: 0, Value: -1}})
	if lo != 0 {
		t.Fatalf("Probability(large negative) = %v, want 0", lo)
	}
}

func TestFitSeparableDualCDLearnsSeparator(t *testing.T) {
	rows := [][]srm.Feature{
		{{Index: 0, Value: 5}},
		{{Index: 0, Value: 4}},
		{{Index: 0, Value: -4}},
		{{Index: 0, Value: -5}},
	}
	y := []float64{1, 1, 0, 0}
	cfg := DefaultConfig()
	cfg.Solver = L2RL2LossSVCDual
	cfg.MaxIter = 200

	m, err := Fit(rows, y, nil, cfg)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	pPos := m.Probability(rows[0])
	pNeg := m.Probability(rows[3])
	if !(pPos > 0.5 && pNeg < 0.5) {
		t.Fatalf("classifier did not separate: pPos=%v pNeg=%v", pPos, pNeg)
	}
}

func TestPruneDropsSmallWeights(t *testing.T) {
	m := &Model{Weights: []SparseWeight{{Index: 0, Weight: 0.001}, {Index: 1, Weight: 5}}}
	m.Prune(0.01)
	if len(m.Weights) != 1 || m.Weights[0].Index != 1 {
		t.Fatalf("Prune kept unexpected weights: %+v", m.Weights)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := &Model{Weights: []SparseWeight{{Index: 2, Weight: 1.25}}, Bias: 0.5, Solver: L2RLr}
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Bias != m.Bias || loaded.Solver != m.Solver || len(loaded.Weights) != 1 {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, m)
	}
	if math.Abs(float64(loaded.Weights[0].Weight-m.Weights[0].Weight)) > 1e-6 {
		t.Fatalf("weight mismatch: %v vs %v", loaded.Weights[0], m.Weights[0])
	}
}

func TestFitOnlineOptimizers(t *testing.T) {
	rows := [][]srm.Feature{
		{{Index: 0, Value: 3}},
		{{Index: 0, Value: -3}},
	}
	y := []float64{1, 0}
	for _, opt := range []Optimizer{OptimizerSGD, OptimizerAdaGrad, OptimizerFOBOS} {
		cfg := DefaultConfig()
		cfg.Optimizer = opt
		cfg.Epochs = 20
		cfg.Eta = 0.5
		m, err := Fit(rows, y, nil, cfg)
		if err != nil {
			t.Fatalf("optimizer %v: %v", opt, err)
		}
		if m.Constant {
			t.Fatalf("optimizer %v: unexpected constant model", opt)
		}
	}
}
