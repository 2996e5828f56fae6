// Package pltargs holds the flat runtime configuration struct shared by
// every subcommand, along with the enum parsing and validation the
// original command line tool did inline in its own args handling.
package pltargs

import (
	"fmt"
	"runtime"

	"github.com/chenhao392/extremeplt/internal/base"
)

// Model selects the top-level estimator. Only PLT is a working model in
// this build; the rest are parsed (so a config file naming them is
// recognized rather than rejected as an unknown token) and then rejected
// at Validate time with a clear message, matching the source project's
// scope split between its core models and its extensions.
type Model int

const (
	ModelPLT Model = iota
	ModelHSM
	ModelOPLT
	ModelBR
	ModelOVR
	ModelUBOP
	ModelUBOPHsm
	ModelBRMips
	ModelUBOPMips
	ModelExtremeText
)

var modelNames = map[string]Model{
	"plt":         ModelPLT,
	"hsm":         ModelHSM,
	"oplt":        ModelOPLT,
	"br":          ModelBR,
	"ovr":         ModelOVR,
	"ubop":        ModelUBOP,
	"ubopHsm":     ModelUBOPHsm,
	"brMips":      ModelBRMips,
	"ubopMips":    ModelUBOPMips,
	"extremeText": ModelExtremeText,
}

// ParseModel looks up a model name; the zero value alone does not mean
// "unrecognized" (ModelPLT is also zero), so callers must check err.
func ParseModel(name string) (Model, error) {
	m, ok := modelNames[name]
	if !ok {
		return 0, fmt.Errorf("pltargs: unknown model %q", name)
	}
	return m, nil
}

// TreeType selects the tree construction strategy. Names and dispatch
// order follow the original tool's buildTreeStructure: an explicit
// TreeStructurePath always wins over TreeType, regardless of its value.
type TreeType int

const (
	TreeCompleteInOrder TreeType = iota
	TreeCompleteRandom
	TreeBalancedInOrder
	TreeBalancedRandom
	TreeHuffman
	TreeHierarchicalKMeans
)

var treeTypeNames = map[string]TreeType{
	"completeInOrder":   TreeCompleteInOrder,
	"completeRandom":    TreeCompleteRandom,
	"balancedInOrder":   TreeBalancedInOrder,
	"balancedRandom":    TreeBalancedRandom,
	"huffman":           TreeHuffman,
	"hierarchicalKMeans": TreeHierarchicalKMeans,
}

// ParseTreeType looks up a tree type name.
func ParseTreeType(name string) (TreeType, error) {
	t, ok := treeTypeNames[name]
	if !ok {
		return 0, fmt.Errorf("pltargs: unknown treeType %q", name)
	}
	return t, nil
}

// OFOVariant mirrors internal/ofo.Variant by name, so the CLI can parse a
// string flag without internal/pltargs importing internal/ofo (kept as
// plain ints here and translated by the ofo subcommand, avoiding an
// import cycle risk between the args and the packages they configure).
type OFOVariant int

const (
	OFOMacro OFOVariant = iota
	OFOMicro
	OFOMixed
)

var ofoVariantNames = map[string]OFOVariant{
	"macro": OFOMacro,
	"micro": OFOMicro,
	"mixed": OFOMixed,
}

func ParseOFOVariant(name string) (OFOVariant, error) {
	v, ok := ofoVariantNames[name]
	if !ok {
		return 0, fmt.Errorf("pltargs: unknown ofo type %q", name)
	}
	return v, nil
}

// Args is the flat configuration struct populated by cobra flags,
// shared by train/test/predict/ofo/
// testPredictionTime.
type Args struct {
	Command string
	Seed    int64

	// Input/output
	Input  string
	Output string
	Header bool

	// Feature/weight processing
	Bias              float64
	Norm              bool
	Hash              int
	FeaturesThreshold float64
	WeightsThreshold  float32

	// Top-level model
	Model Model

	// Tree construction
	TreeStructurePath      string
	TreeType               TreeType
	Arity                  int
	MaxLeaves              int
	KMeansEps              float64
	KMeansBalanced         bool
	KMeansWeightedFeatures bool

	// Base classifier
	Optimizer    base.Optimizer
	Solver       base.SolverKind
	Cost         float64
	Eps          float64
	MaxIter      int
	Eta          float64
	Epochs       int
	L2Penalty    float64
	FobosPenalty float64
	AdagradEps   float64

	// Reweighting
	InbalanceLabelsWeighting bool
	PickOneLabelWeighting    bool

	// Prediction cutoffs
	TopK       int
	Threshold  float64
	Thresholds string // path to a per-label thresholds file, one float per line

	// Ensemble
	Ensemble             int
	OnTheTrotPrediction  bool
	EnsMissingScores     bool

	// Execution
	Threads  int
	MemLimit int64

	// test subcommand
	Measures string

	// ofo subcommand
	OFOType      OFOVariant
	OFOTopLabels int

	// testPredictionTime subcommand
	BatchSizes string
	Batches    int
}

// Default returns the struct populated with the same defaults the
// original tool seeds in its Args constructor.
func Default() Args {
	return Args{
		Seed:   1,
		Header: true,

		Bias:              1.0,
		Norm:              true,
		FeaturesThreshold: 0.0,

		Model: ModelPLT,

		TreeType:  TreeHierarchicalKMeans,
		Arity:     2,
		MaxLeaves: 100,

		KMeansEps:      0.0001,
		KMeansBalanced: true,

		Optimizer:    base.OptimizerLiblinear,
		Solver:       base.L2RLrDual,
		Cost:         16.0,
		Eps:          0.1,
		MaxIter:      100,
		Eta:          1.0,
		Epochs:       1,
		FobosPenalty: 0.00001,
		AdagradEps:   0.001,

		WeightsThreshold: 0.1,

		TopK:             5,
		EnsMissingScores: true,

		Threads: runtime.NumCPU(),

		Measures: "p@1,r@1,c@1,p@3,r@3,c@3,p@5,r@5,c@5",

		OFOType:      OFOMicro,
		OFOTopLabels: 1000,

		BatchSizes: "100,1000,10000",
		Batches:    10,
	}
}

// ResolveThreads applies the threads=0 (all cores) / threads=-1 (all but
// one) conventions in place.
func (a *Args) ResolveThreads() {
	switch {
	case a.Threads == 0:
		a.Threads = runtime.NumCPU()
	case a.Threads == -1:
		a.Threads = runtime.NumCPU() - 1
		if a.Threads < 1 {
			a.Threads = 1
		}
	}
}

// Validate rejects configuration errors before any I/O happens, per the
// specification's error-kind split between configuration errors (aborted
// up front) and everything discovered later.
func (a *Args) Validate() error {
	if a.Command != "train" && a.Command != "test" && a.Command != "predict" &&
		a.Command != "ofo" && a.Command != "testPredictionTime" {
		return fmt.Errorf("pltargs: unknown command %q", a.Command)
	}
	if a.Model != ModelPLT {
		return fmt.Errorf("pltargs: model %q is not implemented; only plt is", modelName(a.Model))
	}
	if a.Arity < 2 {
		return fmt.Errorf("pltargs: arity must be >= 2, got %d", a.Arity)
	}
	if a.TopK == 0 && a.Threshold == 0 && a.Thresholds == "" {
		// Matches the spec's "scalar threshold implies topK=0 unless the
		// user overrides" note read the other way: if nothing was set at
		// all, fall back to the default topK rather than admitting every
		// label at predict time.
		a.TopK = Default().TopK
	}
	if a.Ensemble < 0 {
		return fmt.Errorf("pltargs: ensemble must be >= 0, got %d", a.Ensemble)
	}
	if a.Input == "" && a.Command != "predict" {
		return fmt.Errorf("pltargs: --input is required for %s", a.Command)
	}
	if a.Output == "" {
		return fmt.Errorf("pltargs: --output is required for %s", a.Command)
	}
	return nil
}

func modelName(m Model) string {
	for name, v := range modelNames {
		if v == m {
			return name
		}
	}
	return "unknown"
}
