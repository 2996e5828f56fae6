package ensemble

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/chenhao392/extremeplt/internal/base"
	"github.com/chenhao392/extremeplt/internal/plt"
	"github.com/chenhao392/extremeplt/internal/srm"
	"github.com/chenhao392/extremeplt/internal/tree"
)

func buildFixtureData() (*srm.Matrix[srm.Feature], *srm.Matrix[srm.Label]) {
	X := srm.NewFeatureMatrix()
	Y := srm.NewLabelMatrix()
	for i := 0; i < 8; i++ {
		X.AppendRow([]srm.Feature{{Index: 1, Value: float32(i % 4)}})
		Y.AppendRow([]srm.Label{srm.Label(i % 4)})
	}
	return X, Y
}

func TestTrainWritesOneSubdirectoryPerMember(t *testing.T) {
	dir := t.TempDir()
	X, Y := buildFixtureData()

	cfg := TrainConfig{N: 3, Seed: 1, PLT: plt.TrainConfig{Base: base.Config{Solver: base.L2RL2LossSVCDual, Cost: 1, Eps: 0.1, MaxIter: 20}}}
	buildTree := func(seed int64) *tree.Tree {
		return tree.BuildComplete(4, 2, false, rand.New(rand.NewSource(seed)))
	}

	if err := Train(dir, cfg, buildTree, X, Y); err != nil {
		t.Fatalf("Train: %v", err)
	}

	for i := 0; i < 3; i++ {
		for _, name := range []string{"tree.bin", "weights.bin"} {
			path := filepath.Join(memberDir(dir, i), name)
			if _, err := os.Stat(path); err != nil {
				t.Fatalf("member %d missing %s: %v", i, name, err)
			}
		}
	}
}

func fixedMember(scores [4]float64) *plt.Model {
	tr := tree.BuildComplete(4, 2, false, rand.New(rand.NewSource(1)))
	nodes := make([]*base.Model, len(tr.Nodes))
	nodes[1] = &base.Model{Constant: true, ConstP: 1.0}
	nodes[2] = &base.Model{Constant: true, ConstP: 1.0}
	nodes[3] = &base.Model{Constant: true, ConstP: scores[0]}
	nodes[4] = &base.Model{Constant: true, ConstP: scores[1]}
	nodes[5] = &base.Model{Constant: true, ConstP: scores[2]}
	nodes[6] = &base.Model{Constant: true, ConstP: scores[3]}
	return &plt.Model{Tree: tr, Nodes: nodes}
}

func TestPredictAveragesResidentMembers(t *testing.T) {
	e := &Ensemble{
		N: 2,
		Members: []*plt.Model{
			fixedMember([4]float64{0.8, 0.2, 0.4, 0.6}),
			fixedMember([4]float64{0.4, 0.6, 0.8, 0.2}),
		},
	}

	preds, err := e.Predict(nil, plt.PredictConfig{TopK: 4})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != 4 {
		t.Fatalf("got %d predictions, want 4", len(preds))
	}
	got := make(map[int32]float64, len(preds))
	for _, p := range preds {
		got[p.Label] = p.Score
	}
	want := map[int32]float64{0: 0.6, 1: 0.4, 2: 0.6, 3: 0.4}
	for label, w := range want {
		if diff := got[label] - w; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("label %d score = %v, want %v", label, got[label], w)
		}
	}
	for i := 1; i < len(preds); i++ {
		if preds[i-1].Score < preds[i].Score {
			t.Fatalf("predictions not sorted descending: %v", preds)
		}
	}
}

func TestPredictTopKTruncatesToK(t *testing.T) {
	e := &Ensemble{
		N: 1,
		Members: []*plt.Model{
			fixedMember([4]float64{0.9, 0.1, 0.8, 0.5}),
		},
	}

	preds, err := e.Predict(nil, plt.PredictConfig{TopK: 2})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("got %d predictions, want 2", len(preds))
	}
	if preds[0].Label != 0 || preds[1].Label != 2 {
		t.Fatalf("top-2 = %v, want labels [0 2]", preds)
	}
}

func TestPredictBatchMatchesPerRowPredict(t *testing.T) {
	e := &Ensemble{
		N: 2,
		Members: []*plt.Model{
			fixedMember([4]float64{0.8, 0.2, 0.4, 0.6}),
			fixedMember([4]float64{0.4, 0.6, 0.8, 0.2}),
		},
	}

	X := srm.NewFeatureMatrix()
	X.AppendRow(nil)
	X.AppendRow(nil)

	batch, err := e.PredictBatch(X, plt.PredictConfig{TopK: 4})
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("got %d rows, want 2", len(batch))
	}
	single, err := e.Predict(X.RowEntries(0), plt.PredictConfig{TopK: 4})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(batch[0]) != len(single) {
		t.Fatalf("batch row 0 has %d predictions, Predict gave %d", len(batch[0]), len(single))
	}
	for i := range single {
		if batch[0][i].Label != single[i].Label || batch[0][i].Score != single[i].Score {
			t.Fatalf("batch row 0 [%d] = %+v, want %+v", i, batch[0][i], single[i])
		}
	}
}

func TestMissingScoresBackfillsUnsurfacedLabels(t *testing.T) {
	// Member 0 only surfaces label 0 at TopK=1; member 1 only surfaces
	// label 2. Without backfill, each member's other label is simply
	// absent from that member's contribution; with MissingScores, the
	// per-label PredictForLabel call fills it in.
	e := &Ensemble{
		N:             2,
		MissingScores: true,
		Members: []*plt.Model{
			fixedMember([4]float64{0.9, 0.1, 0.2, 0.1}),
			fixedMember([4]float64{0.1, 0.1, 0.9, 0.1}),
		},
	}

	preds, err := e.Predict(nil, plt.PredictConfig{TopK: 1})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("got %d predictions, want 1", len(preds))
	}
	// Backfilled averages: label 2 = (0.2+0.9)/2 = 0.55 beats
	// label 0 = (0.9+0.1)/2 = 0.5; without backfill both would be 0.45.
	if preds[0].Label != 2 || math.Abs(preds[0].Score-0.55) > 1e-9 {
		t.Fatalf("top prediction = %+v, want label 2 with score 0.55", preds[0])
	}

	labels := make(map[int32]bool)
	for _, m := range e.Members {
		for _, p := range m.Predict(nil, plt.PredictConfig{TopK: 1}) {
			labels[p.Label] = true
		}
	}
	if len(labels) < 2 {
		t.Skip("fixture members agree on the same top label; backfill has nothing to add here")
	}
}

func TestPredictForLabelAveragesAcrossMembers(t *testing.T) {
	e := &Ensemble{
		N: 2,
		Members: []*plt.Model{
			fixedMember([4]float64{0.8, 0.2, 0.4, 0.6}),
			fixedMember([4]float64{0.4, 0.6, 0.8, 0.2}),
		},
	}

	got, err := e.PredictForLabel(2, nil)
	if err != nil {
		t.Fatalf("PredictForLabel: %v", err)
	}
	if diff := got - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("PredictForLabel(2) = %v, want 0.6", got)
	}
}

func TestTrainThenLoadOnTheTrotPredicts(t *testing.T) {
	dir := t.TempDir()
	X, Y := buildFixtureData()

	cfg := TrainConfig{N: 2, Seed: 7, PLT: plt.TrainConfig{Base: base.Config{Solver: base.L2RL2LossSVCDual, Cost: 1, Eps: 0.1, MaxIter: 20}}}
	buildTree := func(seed int64) *tree.Tree {
		return tree.BuildComplete(4, 2, false, rand.New(rand.NewSource(seed)))
	}
	if err := Train(dir, cfg, buildTree, X, Y); err != nil {
		t.Fatalf("Train: %v", err)
	}

	e, err := Load(dir, 2, true, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	preds, err := e.Predict(X.RowEntries(0), plt.PredictConfig{TopK: 4})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) == 0 {
		t.Fatalf("Predict returned no predictions")
	}
}
