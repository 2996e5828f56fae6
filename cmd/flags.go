package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chenhao392/extremeplt/internal/base"
	"github.com/chenhao392/extremeplt/internal/pltargs"
)

// argsFromFlags builds a pltargs.Args from whichever flags cmd has
// registered, seeding it from pltargs.Default() first so a subcommand
// that only registers a subset of flags still gets sane values for the
// rest, then validates it.
func argsFromFlags(cmd *cobra.Command, command string) (pltargs.Args, error) {
	a := pltargs.Default()
	a.Command = command

	if v, err := cmd.Flags().GetInt64("seed"); err == nil {
		a.Seed = v
	}
	if v, err := cmd.Flags().GetInt("threads"); err == nil {
		a.Threads = v
	}
	a.ResolveThreads()

	if f := cmd.Flags().Lookup("input"); f != nil {
		a.Input, _ = cmd.Flags().GetString("input")
	}
	if f := cmd.Flags().Lookup("output"); f != nil {
		a.Output, _ = cmd.Flags().GetString("output")
	}
	if f := cmd.Flags().Lookup("header"); f != nil {
		a.Header, _ = cmd.Flags().GetBool("header")
	}
	if f := cmd.Flags().Lookup("bias"); f != nil {
		a.Bias, _ = cmd.Flags().GetFloat64("bias")
	}
	if f := cmd.Flags().Lookup("norm"); f != nil {
		a.Norm, _ = cmd.Flags().GetBool("norm")
	}
	if f := cmd.Flags().Lookup("hash"); f != nil {
		a.Hash, _ = cmd.Flags().GetInt("hash")
	}

	if f := cmd.Flags().Lookup("model"); f != nil {
		name, _ := cmd.Flags().GetString("model")
		m, err := pltargs.ParseModel(name)
		if err != nil {
			return a, err
		}
		a.Model = m
	}
	if f := cmd.Flags().Lookup("treeType"); f != nil {
		name, _ := cmd.Flags().GetString("treeType")
		t, err := pltargs.ParseTreeType(name)
		if err != nil {
			return a, err
		}
		a.TreeType = t
	}
	if f := cmd.Flags().Lookup("treeStructure"); f != nil {
		a.TreeStructurePath, _ = cmd.Flags().GetString("treeStructure")
	}
	if f := cmd.Flags().Lookup("arity"); f != nil {
		a.Arity, _ = cmd.Flags().GetInt("arity")
	}
	if f := cmd.Flags().Lookup("maxLeaves"); f != nil {
		a.MaxLeaves, _ = cmd.Flags().GetInt("maxLeaves")
	}
	if f := cmd.Flags().Lookup("kMeansEps"); f != nil {
		a.KMeansEps, _ = cmd.Flags().GetFloat64("kMeansEps")
	}
	if f := cmd.Flags().Lookup("kMeansBalanced"); f != nil {
		a.KMeansBalanced, _ = cmd.Flags().GetBool("kMeansBalanced")
	}
	if f := cmd.Flags().Lookup("kMeansWeightedFeatures"); f != nil {
		a.KMeansWeightedFeatures, _ = cmd.Flags().GetBool("kMeansWeightedFeatures")
	}

	if f := cmd.Flags().Lookup("optimizer"); f != nil {
		name, _ := cmd.Flags().GetString("optimizer")
		o, err := parseOptimizer(name)
		if err != nil {
			return a, err
		}
		a.Optimizer = o
	}
	if f := cmd.Flags().Lookup("solver"); f != nil {
		name, _ := cmd.Flags().GetString("solver")
		s, err := parseSolver(name)
		if err != nil {
			return a, err
		}
		a.Solver = s
	}
	if f := cmd.Flags().Lookup("cost"); f != nil {
		a.Cost, _ = cmd.Flags().GetFloat64("cost")
	}
	if f := cmd.Flags().Lookup("eps"); f != nil {
		a.Eps, _ = cmd.Flags().GetFloat64("eps")
	}
	if f := cmd.Flags().Lookup("maxIter"); f != nil {
		a.MaxIter, _ = cmd.Flags().GetInt("maxIter")
	}
	if f := cmd.Flags().Lookup("eta"); f != nil {
		a.Eta, _ = cmd.Flags().GetFloat64("eta")
	}
	if f := cmd.Flags().Lookup("epochs"); f != nil {
		a.Epochs, _ = cmd.Flags().GetInt("epochs")
	}
	if f := cmd.Flags().Lookup("l2Penalty"); f != nil {
		a.L2Penalty, _ = cmd.Flags().GetFloat64("l2Penalty")
	}
	if f := cmd.Flags().Lookup("fobosPenalty"); f != nil {
		a.FobosPenalty, _ = cmd.Flags().GetFloat64("fobosPenalty")
	}
	if f := cmd.Flags().Lookup("adagradEps"); f != nil {
		a.AdagradEps, _ = cmd.Flags().GetFloat64("adagradEps")
	}
	if f := cmd.Flags().Lookup("weightsThreshold"); f != nil {
		a.WeightsThreshold, _ = cmd.Flags().GetFloat32("weightsThreshold")
	}
	if f := cmd.Flags().Lookup("featuresThreshold"); f != nil {
		a.FeaturesThreshold, _ = cmd.Flags().GetFloat64("featuresThreshold")
	}
	if f := cmd.Flags().Lookup("inbalanceLabelsWeighting"); f != nil {
		a.InbalanceLabelsWeighting, _ = cmd.Flags().GetBool("inbalanceLabelsWeighting")
	}
	if f := cmd.Flags().Lookup("pickOneLabelWeighting"); f != nil {
		a.PickOneLabelWeighting, _ = cmd.Flags().GetBool("pickOneLabelWeighting")
	}
	if f := cmd.Flags().Lookup("ensemble"); f != nil {
		a.Ensemble, _ = cmd.Flags().GetInt("ensemble")
	}
	if f := cmd.Flags().Lookup("memLimit"); f != nil {
		a.MemLimit, _ = cmd.Flags().GetInt64("memLimit")
	}

	if f := cmd.Flags().Lookup("topK"); f != nil {
		a.TopK, _ = cmd.Flags().GetInt("topK")
	}
	if f := cmd.Flags().Lookup("threshold"); f != nil {
		a.Threshold, _ = cmd.Flags().GetFloat64("threshold")
	}
	if f := cmd.Flags().Lookup("thresholds"); f != nil {
		a.Thresholds, _ = cmd.Flags().GetString("thresholds")
	}
	if f := cmd.Flags().Lookup("onTheTrot"); f != nil {
		a.OnTheTrotPrediction, _ = cmd.Flags().GetBool("onTheTrot")
	}
	if f := cmd.Flags().Lookup("ensMissingScores"); f != nil {
		a.EnsMissingScores, _ = cmd.Flags().GetBool("ensMissingScores")
	}

	if f := cmd.Flags().Lookup("measures"); f != nil {
		a.Measures, _ = cmd.Flags().GetString("measures")
	}

	if f := cmd.Flags().Lookup("ofoType"); f != nil {
		name, _ := cmd.Flags().GetString("ofoType")
		v, err := pltargs.ParseOFOVariant(name)
		if err != nil {
			return a, err
		}
		a.OFOType = v
	}
	if f := cmd.Flags().Lookup("ofoTopLabels"); f != nil {
		a.OFOTopLabels, _ = cmd.Flags().GetInt("ofoTopLabels")
	}

	if f := cmd.Flags().Lookup("batchSizes"); f != nil {
		a.BatchSizes, _ = cmd.Flags().GetString("batchSizes")
	}
	if f := cmd.Flags().Lookup("batches"); f != nil {
		a.Batches, _ = cmd.Flags().GetInt("batches")
	}

	if err := a.Validate(); err != nil {
		return a, err
	}
	return a, nil
}

var optimizerNames = map[string]base.Optimizer{
	"liblinear": base.OptimizerLiblinear,
	"sgd":       base.OptimizerSGD,
	"adagrad":   base.OptimizerAdaGrad,
	"fobos":     base.OptimizerFOBOS,
}

func parseOptimizer(name string) (base.Optimizer, error) {
	o, ok := optimizerNames[name]
	if !ok {
		return 0, fmt.Errorf("extremeplt: unknown optimizer %q", name)
	}
	return o, nil
}

var solverNames = map[string]base.SolverKind{
	"L2R_LR_DUAL":        base.L2RLrDual,
	"L2R_LR":             base.L2RLr,
	"L1R_LR":             base.L1RLr,
	"L2R_L2LOSS_SVC_DUAL": base.L2RL2LossSVCDual,
	"L2R_L2LOSS_SVC":     base.L2RL2LossSVC,
	"L2R_L1LOSS_SVC_DUAL": base.L2RL1LossSVCDual,
	"L1R_L2LOSS_SVC":     base.L1RL2LossSVC,
}

func parseSolver(name string) (base.SolverKind, error) {
	s, ok := solverNames[name]
	if !ok {
		return 0, fmt.Errorf("extremeplt: unknown solver %q", name)
	}
	return s, nil
}
