package plt

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/chenhao392/extremeplt/internal/base"
	"github.com/chenhao392/extremeplt/internal/srm"
	"github.com/chenhao392/extremeplt/internal/tree"
)

// fixedScoreModel builds the scenario-4/5 tree (k=4, arity=2) with
// constant per-node probabilities chosen so the four leaf scores come
// out to exactly [0.9, 0.1, 0.8, 0.5].
func fixedScoreModel() *Model {
	tr := tree.BuildComplete(4, 2, false, rand.New(rand.NewSource(1)))
	nodes := make([]*base.Model, len(tr.Nodes))
	nodes[1] = &base.Model{Constant: true, ConstP: 1.0}
	nodes[2] = &base.Model{Constant: true, ConstP: 1.0}
	nodes[3] = &base.Model{Constant: true, ConstP: 0.9}
	nodes[4] = &base.Model{Constant: true, ConstP: 0.1}
	nodes[5] = &base.Model{Constant: true, ConstP: 0.8}
	nodes[6] = &base.Model{Constant: true, ConstP: 0.5}
	return &Model{Tree: tr, Nodes: nodes}
}

func TestPredictTopKOrdering(t *testing.T) {
	m := fixedScoreModel()
	results := m.Predict(nil, PredictConfig{TopK: 3})

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	wantLabels := []int32{0, 2, 3}
	wantScores := []float64{0.9, 0.8, 0.5}
	for i, r := range results {
		if r.Label != wantLabels[i] {
			t.Fatalf("result %d label = %d, want %d", i, r.Label, wantLabels[i])
		}
		if diff := r.Score - wantScores[i]; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("result %d score = %v, want %v", i, r.Score, wantScores[i])
		}
	}
}

func TestPredictThresholdVectorOmitsBelowThreshold(t *testing.T) {
	m := fixedScoreModel()
	thresholds := []float64{0, 0, 0.95, 0}
	m.ApplyThresholds(thresholds)

	results := m.Predict(nil, PredictConfig{Thresholds: thresholds})

	for _, r := range results {
		if r.Label == 2 {
			t.Fatalf("label 2 should have been pruned by its threshold, got score %v", r.Score)
		}
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3 (labels 0,1,3)", len(results))
	}
	// Descending score order: 0.9, 0.5, 0.1.
	wantScores := []float64{0.9, 0.5, 0.1}
	for i, r := range results {
		if diff := r.Score - wantScores[i]; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("result %d score = %v, want %v", i, r.Score, wantScores[i])
		}
	}
}

func TestPredictForLabelMatchesPathProduct(t *testing.T) {
	m := fixedScoreModel()
	got := m.PredictForLabel(2, nil)
	if diff := got - 0.8; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("PredictForLabel(2) = %v, want 0.8", got)
	}
}

func TestKOneSingleLeafPredictReturnsOneRegardlessOfX(t *testing.T) {
	tr := tree.BuildComplete(1, 2, false, rand.New(rand.NewSource(1)))
	m := &Model{Tree: tr, Nodes: make([]*base.Model, len(tr.Nodes))}

	for _, x := range [][]srm.Feature{nil, {{Index: 0, Value: 5}}} {
		results := m.Predict(x, PredictConfig{TopK: 1})
		if len(results) != 1 || results[0].Label != 0 || results[0].Score != 1.0 {
			t.Fatalf("Predict(%v) = %+v, want [{0 1}]", x, results)
		}
	}
}

func TestDeriveSetsEmptyLabelsOnlyNegatesRootChildren(t *testing.T) {
	tr := tree.BuildComplete(4, 2, false, rand.New(rand.NewSource(1)))
	pos, neg := deriveSets(tr, nil)

	if len(pos) != 0 {
		t.Fatalf("expected no positive nodes, got %v", pos)
	}
	root := tr.Nodes[tr.Root]
	if len(neg) != len(root.Children) {
		t.Fatalf("expected negatives exactly at root's children, got %v", neg)
	}
	for _, c := range root.Children {
		if !neg[c] {
			t.Fatalf("expected root child %d to be negative", c)
		}
	}
}

func TestDeriveSetsMultiLabelUnionsPaths(t *testing.T) {
	tr := tree.BuildComplete(4, 2, false, rand.New(rand.NewSource(1)))
	// labels 0 and 1 share leaf parent (node 1); label 2 is under node 2.
	pos, neg := deriveSets(tr, []srm.Label{0, 2})

	for _, want := range []int32{tr.Root, 1, 2, tr.Leaves[0], tr.Leaves[2]} {
		if !pos[want] {
			t.Fatalf("expected node %d to be positive, pos=%v", want, pos)
		}
	}
	// Sibling of leaf(0) under node 1 is leaf(1), which must be negative.
	if !neg[tr.Leaves[1]] {
		t.Fatalf("expected label 1's leaf to be negative, neg=%v", neg)
	}
	// Sibling of leaf(2) under node 2 is leaf(3), which must be negative.
	if !neg[tr.Leaves[3]] {
		t.Fatalf("expected label 3's leaf to be negative, neg=%v", neg)
	}
}

func buildTrainFixture() (*tree.Tree, *srm.Matrix[srm.Feature], *srm.Matrix[srm.Label]) {
	tr := tree.BuildComplete(4, 2, false, rand.New(rand.NewSource(1)))

	X := srm.NewFeatureMatrix()
	Y := srm.NewLabelMatrix()

	examples := []struct {
		labels   []srm.Label
		features []srm.Feature
	}{
		{[]srm.Label{0}, []srm.Feature{{Index: 0, Value: 1}, {Index: 1, Value: 5}}},
		{[]srm.Label{0}, []srm.Feature{{Index: 0, Value: 1}, {Index: 1, Value: 4}}},
		{[]srm.Label{1}, []srm.Feature{{Index: 0, Value: 1}, {Index: 1, Value: -5}}},
		{[]srm.Label{1}, []srm.Feature{{Index: 0, Value: 1}, {Index: 1, Value: -4}}},
		{[]srm.Label{2}, []srm.Feature{{Index: 0, Value: 1}, {Index: 2, Value: 5}}},
		{[]srm.Label{3}, []srm.Feature{{Index: 0, Value: 1}, {Index: 2, Value: -5}}},
	}
	for _, ex := range examples {
		X.AppendRow(ex.features)
		Y.AppendRow(ex.labels)
	}
	return tr, X, Y
}

func TestTrainFitsAllNodesWithData(t *testing.T) {
	tr, X, Y := buildTrainFixture()
	cfg := TrainConfig{Base: base.DefaultConfig(), Threads: 2}

	m, err := Train(tr, X, Y, cfg)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	for _, idx := range []int32{1, 2, 3, 4, 5, 6} {
		if m.Nodes[idx] == nil {
			t.Fatalf("node %d was never fit", idx)
		}
	}

	// Predicting with the trained model in top-1 mode yields exactly one
	// label.
	results := m.Predict(X.RowEntries(0), PredictConfig{TopK: 1})
	if len(results) != 1 {
		t.Fatalf("expected one top-1 result, got %d", len(results))
	}
}

func TestTrainMemLimitSplitsIntoRangesAndStillFits(t *testing.T) {
	tr, X, Y := buildTrainFixture()
	cfg := TrainConfig{Base: base.DefaultConfig(), Threads: 1, MemLimit: 1}

	m, err := Train(tr, X, Y, cfg)
	if err != nil {
		t.Fatalf("Train with tiny mem limit: %v", err)
	}
	for _, idx := range []int32{1, 2, 3, 4, 5, 6} {
		if m.Nodes[idx] == nil {
			t.Fatalf("node %d was never fit under ranged training", idx)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := fixedScoreModel()

	var treeBuf, weightsBuf bytes.Buffer
	if err := m.Save(&treeBuf, &weightsBuf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(&treeBuf, &weightsBuf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := loaded.Predict(nil, PredictConfig{TopK: 3})
	want := m.Predict(nil, PredictConfig{TopK: 3})
	if len(got) != len(want) {
		t.Fatalf("loaded Predict returned %d results, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Label != want[i].Label || got[i].Score != want[i].Score {
			t.Fatalf("result %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
