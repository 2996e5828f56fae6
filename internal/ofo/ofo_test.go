package ofo

import (
	"math/rand"
	"testing"

	"github.com/chenhao392/extremeplt/internal/base"
	"github.com/chenhao392/extremeplt/internal/plt"
	"github.com/chenhao392/extremeplt/internal/srm"
	"github.com/chenhao392/extremeplt/internal/tree"
)

func TestThresholdsMacroIsPerLabelRatio(t *testing.T) {
	o := New(2, Config{Variant: VariantMacro, InitA: 0, InitB: 0})
	o.a[0], o.b[0] = 3, 4
	o.a[1], o.b[1] = 1, 10

	got := o.Thresholds()
	if got[0] != 0.75 {
		t.Fatalf("theta[0] = %v, want 0.75", got[0])
	}
	if got[1] != 0.1 {
		t.Fatalf("theta[1] = %v, want 0.1", got[1])
	}
}

func TestThresholdsMicroIsSharedAcrossLabels(t *testing.T) {
	o := New(2, Config{Variant: VariantMicro})
	o.a[0], o.b[0] = 3, 4
	o.a[1], o.b[1] = 1, 10

	got := o.Thresholds()
	want := (3.0 + 1.0) / (4.0 + 10.0)
	if got[0] != want || got[1] != want {
		t.Fatalf("theta = %v, want both %v", got, want)
	}
}

func TestThresholdsMixedFloorsAtMicro(t *testing.T) {
	o := New(2, Config{Variant: VariantMixed})
	o.a[0], o.b[0] = 9, 10 // macro 0.9, above micro
	o.a[1], o.b[1] = 0, 10 // macro 0, below micro

	got := o.Thresholds()
	micro := (9.0 + 0.0) / (10.0 + 10.0)
	if got[0] != 0.9 {
		t.Fatalf("theta[0] = %v, want 0.9 (macro wins)", got[0])
	}
	if got[1] != micro {
		t.Fatalf("theta[1] = %v, want %v (floored at micro)", got[1], micro)
	}
}

func TestUpdateAdvancesCountersBothWays(t *testing.T) {
	o := New(1, Config{})
	// predicted true (score >= 0 initial threshold 0), actual true.
	o.Update([]float64{0.8}, []srm.Label{0})
	if o.a[0] != 1 || o.b[0] != 1 {
		t.Fatalf("after TP update a=%v b=%v, want 1,1", o.a[0], o.b[0])
	}
	// Now threshold is 1.0; score 0.8 no longer predicted, actual false: neither incremented.
	o.Update([]float64{0.8}, nil)
	if o.a[0] != 1 || o.b[0] != 1 {
		t.Fatalf("after true-negative update a=%v b=%v, want unchanged 1,1", o.a[0], o.b[0])
	}
}

func fixedScoreModel() *plt.Model {
	tr := tree.BuildComplete(4, 2, false, rand.New(rand.NewSource(1)))
	nodes := make([]*base.Model, len(tr.Nodes))
	nodes[1] = &base.Model{Constant: true, ConstP: 1.0}
	nodes[2] = &base.Model{Constant: true, ConstP: 1.0}
	nodes[3] = &base.Model{Constant: true, ConstP: 0.9}
	nodes[4] = &base.Model{Constant: true, ConstP: 0.1}
	nodes[5] = &base.Model{Constant: true, ConstP: 0.8}
	nodes[6] = &base.Model{Constant: true, ConstP: 0.5}
	return &plt.Model{Tree: tr, Nodes: nodes}
}

func TestFitConvergesToBoundedThresholds(t *testing.T) {
	m := fixedScoreModel()

	X := srm.NewFeatureMatrix()
	Y := srm.NewLabelMatrix()
	for i := 0; i < 4; i++ {
		X.AppendRow([]srm.Feature{{Index: 0, Value: 1}})
		Y.AppendRow([]srm.Label{srm.Label(i)})
	}

	thresholds, err := Fit(m, X, Y, 4, Config{Variant: VariantMacro, Epochs: 3})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(thresholds) != 4 {
		t.Fatalf("got %d thresholds, want 4", len(thresholds))
	}
	for i, v := range thresholds {
		if v < 0 || v > 1 {
			t.Fatalf("threshold %d = %v, out of [0,1]", i, v)
		}
	}
}
