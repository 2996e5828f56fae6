package cmd

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/chenhao392/extremeplt/internal/base"
	"github.com/chenhao392/extremeplt/internal/ensemble"
	"github.com/chenhao392/extremeplt/internal/labelfeat"
	"github.com/chenhao392/extremeplt/internal/measure"
	"github.com/chenhao392/extremeplt/internal/plt"
	"github.com/chenhao392/extremeplt/internal/pltargs"
	"github.com/chenhao392/extremeplt/internal/srm"
	"github.com/chenhao392/extremeplt/internal/tree"
)

// buildTree dispatches on a.TreeType (or a.TreeStructurePath, which
// always wins) the way the original buildTreeStructure does, returning a
// tree ready for plt.Train against X/Y.
func buildTree(a *pltargs.Args, seed int64, X *srm.Matrix[srm.Feature], Y *srm.Matrix[srm.Label]) (*tree.Tree, error) {
	if a.TreeStructurePath != "" {
		f, err := os.Open(a.TreeStructurePath)
		if err != nil {
			return nil, fmt.Errorf("extremeplt: opening tree structure %s: %w", a.TreeStructurePath, err)
		}
		defer f.Close()
		return tree.LoadCustom(f)
	}

	rng := rand.New(rand.NewSource(seed))
	k := labelCount(Y)

	switch a.TreeType {
	case pltargs.TreeCompleteInOrder:
		return tree.BuildComplete(k, a.Arity, false, rng), nil
	case pltargs.TreeCompleteRandom:
		return tree.BuildComplete(k, a.Arity, true, rng), nil
	case pltargs.TreeBalancedInOrder:
		return tree.BuildBalanced(k, a.Arity, false, rng), nil
	case pltargs.TreeBalancedRandom:
		return tree.BuildBalanced(k, a.Arity, true, rng), nil
	case pltargs.TreeHuffman:
		return tree.BuildHuffman(labelFrequencies(Y, k), a.Arity), nil
	case pltargs.TreeHierarchicalKMeans:
		lf := labelfeat.Aggregate(Y, X, a.Threads, a.KMeansWeightedFeatures, true)
		return tree.BuildKMeans(lf, tree.KMeansConfig{
			Arity:     a.Arity,
			MaxLeaves: a.MaxLeaves,
			Eps:       a.KMeansEps,
			Balanced:  a.KMeansBalanced,
			Threads:   a.Threads,
			Seed:      seed,
		}), nil
	default:
		return nil, fmt.Errorf("extremeplt: unknown tree type %v", a.TreeType)
	}
}

func labelCount(Y *srm.Matrix[srm.Label]) int {
	max := -1
	for i := 0; i < Y.Rows(); i++ {
		for _, l := range Y.RowEntries(i) {
			if int(l) > max {
				max = int(l)
			}
		}
	}
	return max + 1
}

func labelFrequencies(Y *srm.Matrix[srm.Label], k int) []tree.Frequency {
	counts := make([]int, k)
	for i := 0; i < Y.Rows(); i++ {
		for _, l := range Y.RowEntries(i) {
			counts[l]++
		}
	}
	freqs := make([]tree.Frequency, k)
	for l, c := range counts {
		freqs[l] = tree.Frequency{Label: l, Value: c}
	}
	return freqs
}

// trainConfig builds a plt.TrainConfig from the shared solver/execution
// options of a.
func trainConfig(a *pltargs.Args) plt.TrainConfig {
	return plt.TrainConfig{
		Base: base.Config{
			Solver:           a.Solver,
			Optimizer:        a.Optimizer,
			Cost:             a.Cost,
			Eps:              a.Eps,
			MaxIter:          a.MaxIter,
			Eta:              a.Eta,
			Epochs:           a.Epochs,
			L2Penalty:        a.L2Penalty,
			FobosPenalty:     a.FobosPenalty,
			AdagradEps:       a.AdagradEps,
			Bias:             a.Bias,
			WeightsThreshold: a.WeightsThreshold,
		},
		Threads:                   a.Threads,
		MemLimit:                  a.MemLimit,
		ImbalancedLabelsWeighting: a.InbalanceLabelsWeighting,
		PickOneLabelWeighting:     a.PickOneLabelWeighting,
	}
}

// predictConfig builds a plt.PredictConfig from the prediction-cutoff
// options, loading a per-label thresholds file when one is named.
func predictConfig(a *pltargs.Args) (plt.PredictConfig, error) {
	if a.Thresholds != "" {
		thresholds, err := loadThresholds(a.Thresholds)
		if err != nil {
			return plt.PredictConfig{}, err
		}
		return plt.PredictConfig{Thresholds: thresholds}, nil
	}
	if a.Threshold > 0 {
		return plt.PredictConfig{Threshold: a.Threshold}, nil
	}
	return plt.PredictConfig{TopK: a.TopK}, nil
}

func loadThresholds(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("extremeplt: opening thresholds file %s: %w", path, err)
	}
	defer f.Close()

	var out []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("extremeplt: malformed threshold %q in %s: %w", line, path, err)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

// measuresFromNames parses a.Measures ("p@1,r@1,c@1,...") into
// accumulators, mirroring the "measures" configuration option.
func measuresFromNames(names string) ([]measure.Accumulator, error) {
	var out []measure.Accumulator
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		acc, err := measureByName(name)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, nil
}

func measureByName(name string) (measure.Accumulator, error) {
	if name == "acc" {
		return measure.NewAccuracy(), nil
	}
	if name == "s" {
		return measure.NewSetSize(), nil
	}
	if name == "F1" {
		return measure.NewF1(), nil
	}
	if name == "coverage" {
		return measure.NewCoverage(), nil
	}
	at := strings.SplitN(name, "@", 2)
	if len(at) != 2 {
		return nil, fmt.Errorf("extremeplt: unknown measure %q", name)
	}
	k, err := strconv.Atoi(at[1])
	if err != nil {
		return nil, fmt.Errorf("extremeplt: malformed measure %q", name)
	}
	switch at[0] {
	case "p":
		return measure.NewPrecisionAtK(k), nil
	case "r":
		return measure.NewRecallAtK(k), nil
	case "c":
		return measure.NewCoverageAtK(k), nil
	default:
		return nil, fmt.Errorf("extremeplt: unknown measure %q", name)
	}
}

// predictBatch runs prediction across every row of X, dispatching to a
// plain *plt.Model or an ensemble depending on what loadModel returned.
func predictBatch(m *loadedModel, X *srm.Matrix[srm.Feature], cfg plt.PredictConfig) ([][]plt.Prediction, error) {
	if m.Ensemble != nil {
		return m.Ensemble.PredictBatch(X, cfg)
	}
	out := make([][]plt.Prediction, X.Rows())
	for i := 0; i < X.Rows(); i++ {
		out[i] = m.Single.Predict(X.RowEntries(i), cfg)
	}
	return out, nil
}

// loadedModel holds exactly one of Single (plain PLT) or Ensemble, set by
// loadModel depending on the persisted args' Ensemble count.
type loadedModel struct {
	Single   *plt.Model
	Ensemble *ensemble.Ensemble
}

func loadModel(dir string, a *pltargs.Args) (*loadedModel, error) {
	if a.Ensemble <= 0 {
		treeF, err := os.Open(dir + "/tree.bin")
		if err != nil {
			return nil, err
		}
		defer treeF.Close()
		weightsF, err := os.Open(dir + "/weights.bin")
		if err != nil {
			return nil, err
		}
		defer weightsF.Close()
		m, err := plt.Load(treeF, weightsF)
		if err != nil {
			return nil, err
		}
		return &loadedModel{Single: m}, nil
	}

	e, err := ensemble.Load(dir, a.Ensemble, a.OnTheTrotPrediction, a.EnsMissingScores)
	if err != nil {
		return nil, err
	}
	return &loadedModel{Ensemble: e}, nil
}

func saveModel(dir string, a *pltargs.Args, X *srm.Matrix[srm.Feature], Y *srm.Matrix[srm.Label]) error {
	cfg := trainConfig(a)

	if a.Ensemble <= 0 {
		t, err := buildTree(a, a.Seed, X, Y)
		if err != nil {
			return err
		}
		m, err := plt.Train(t, X, Y, cfg)
		if err != nil {
			return err
		}
		treeF, err := os.Create(dir + "/tree.bin")
		if err != nil {
			return err
		}
		defer treeF.Close()
		weightsF, err := os.Create(dir + "/weights.bin")
		if err != nil {
			return err
		}
		defer weightsF.Close()
		return m.Save(treeF, weightsF)
	}

	return ensemble.Train(dir, ensemble.TrainConfig{N: a.Ensemble, Seed: a.Seed, PLT: cfg},
		func(memberSeed int64) *tree.Tree {
			t, err := buildTree(a, memberSeed, X, Y)
			if err != nil {
				// buildTree's only failure modes are a missing/corrupt
				// custom tree-structure file or an unrecognized tree
				// type, both configuration errors that should have
				// failed the very first member already; this mirrors
				// that as a panic rather than threading an error return
				// through the ensemble package's tree-factory callback.
				panic(err)
			}
			return t
		}, X, Y)
}
