package cmd

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/chenhao392/extremeplt/internal/data"
	"github.com/chenhao392/extremeplt/internal/labelfeat"
	"github.com/chenhao392/extremeplt/internal/plt"
	"github.com/chenhao392/extremeplt/internal/pltargs"
	"github.com/chenhao392/extremeplt/internal/srm"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "train a probabilistic label tree model from libsvm input",
	Long: `
Reads a libsvm file via --input, builds a tree (--treeType), fits one
base classifier per tree node, and writes the resulting model directory
to --output.`,
	Run: func(cmd *cobra.Command, cliArgs []string) {
		a, err := argsFromFlags(cmd, "train")
		if err != nil {
			log.Fatal(err)
		}

		inF, err := os.Open(a.Input)
		if err != nil {
			log.Fatalf("extremeplt: opening --input %s: %v", a.Input, err)
		}
		X, Y, _, err := data.ReadLibsvm(inF, a.Header)
		inF.Close()
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Read %d rows.", X.Rows())

		reader := data.NewReader(&a)
		for i := 0; i < X.Rows(); i++ {
			X.ReplaceRow(i, reader.Apply(X.RowEntries(i)))
		}

		if err := os.MkdirAll(a.Output, 0o755); err != nil {
			log.Fatalf("extremeplt: creating --output %s: %v", a.Output, err)
		}

		if doProfile, _ := cmd.Flags().GetBool("profile"); doProfile {
			defer profile.Start(profile.CPUProfile, profile.ProfilePath(a.Output)).Stop()
		}

		dumpTree, _ := cmd.Flags().GetString("dumpTree")
		dumpCentroids, _ := cmd.Flags().GetString("dumpCentroids")

		start := time.Now()
		log.Print("Building tree and fitting node classifiers...")
		if a.Ensemble > 0 {
			if dumpTree != "" || dumpCentroids != "" {
				log.Print("--dumpTree/--dumpCentroids are ignored for ensembles (each member builds its own tree)")
			}
			if err := saveModel(a.Output, &a, X, Y); err != nil {
				log.Fatal(err)
			}
		} else {
			if err := trainSingleModel(&a, X, Y, dumpTree, dumpCentroids); err != nil {
				log.Fatal(err)
			}
		}
		log.Printf("Training finished in %s.", time.Since(start))

		if err := data.SaveArgsFile(a.Output, &a); err != nil {
			log.Fatal(err)
		}
		if err := data.SaveReaderFile(a.Output, reader); err != nil {
			log.Fatal(err)
		}
	},
}

// trainSingleModel builds one tree, optionally exports it and its
// hierarchical-k-means centroid matrix for offline inspection, fits the
// per-node classifiers, and writes tree.bin/weights.bin to a.Output.
func trainSingleModel(a *pltargs.Args, X *srm.Matrix[srm.Feature], Y *srm.Matrix[srm.Label], dumpTree, dumpCentroids string) error {
	t, err := buildTree(a, a.Seed, X, Y)
	if err != nil {
		return err
	}

	if dumpTree != "" {
		if strings.HasSuffix(dumpTree, ".dot") {
			if err := t.ExportDOT(dumpTree); err != nil {
				return err
			}
		} else {
			f, err := os.Create(dumpTree)
			if err != nil {
				return err
			}
			err = t.SaveText(f)
			f.Close()
			if err != nil {
				return err
			}
		}
	}

	if dumpCentroids != "" {
		if a.TreeType != pltargs.TreeHierarchicalKMeans {
			log.Print("--dumpCentroids only applies to treeType=hierarchicalKMeans; skipping")
		} else {
			centroids := labelfeat.Aggregate(Y, X, a.Threads, a.KMeansWeightedFeatures, true)
			f, err := os.Create(dumpCentroids)
			if err != nil {
				return err
			}
			err = labelfeat.ExportNPY(f, centroids)
			f.Close()
			if err != nil {
				return err
			}
		}
	}

	m, err := plt.Train(t, X, Y, trainConfig(a))
	if err != nil {
		return err
	}
	treeF, err := os.Create(a.Output + "/tree.bin")
	if err != nil {
		return err
	}
	defer treeF.Close()
	weightsF, err := os.Create(a.Output + "/weights.bin")
	if err != nil {
		return err
	}
	defer weightsF.Close()
	return m.Save(treeF, weightsF)
}

func init() {
	rootCmd.AddCommand(trainCmd)
	registerCommonFlags(trainCmd)
	registerTrainFlags(trainCmd)
}

// registerCommonFlags registers the input/output/header flags shared by
// train, test, and predict.
func registerCommonFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("input", "i", "", "libsvm input file")
	cmd.Flags().StringP("output", "o", "", "model directory")
	cmd.Flags().Bool("header", true, "input has a leading \"N D K\" header line")
	cmd.Flags().Float64("bias", 1.0, "bias feature value (0 disables)")
	cmd.Flags().Bool("norm", true, "L2-normalize feature rows")
	cmd.Flags().Int("hash", 0, "feature hashing space size (0 disables)")
}

func registerTrainFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", "plt", "top-level model (only plt is implemented)")
	cmd.Flags().String("treeType", "hierarchicalKMeans", "tree construction strategy")
	cmd.Flags().String("treeStructure", "", "load a custom tree structure from this file instead of building one")
	cmd.Flags().Int("arity", 2, "children per internal node")
	cmd.Flags().Int("maxLeaves", 100, "maximum leaves per node before further splitting stops")
	cmd.Flags().Float64("kMeansEps", 0.0001, "k-means convergence epsilon")
	cmd.Flags().Bool("kMeansBalanced", true, "balance k-means partition sizes")
	cmd.Flags().Bool("kMeansWeightedFeatures", false, "divide each example's contribution to the label-feature centroids by its number of labels")
	cmd.Flags().String("optimizer", "liblinear", "base classifier optimizer: liblinear, sgd, adagrad, fobos")
	cmd.Flags().String("solver", "L2R_LR_DUAL", "liblinear solver kind")
	cmd.Flags().Float64("cost", 16.0, "solver cost (C)")
	cmd.Flags().Float64("eps", 0.1, "solver convergence epsilon")
	cmd.Flags().Int("maxIter", 100, "solver max iterations")
	cmd.Flags().Float64("eta", 1.0, "online learning rate")
	cmd.Flags().Int("epochs", 1, "online optimizer epochs")
	cmd.Flags().Float64("l2Penalty", 0, "online L2 penalty")
	cmd.Flags().Float64("fobosPenalty", 0.00001, "FOBOS L1 penalty")
	cmd.Flags().Float64("adagradEps", 0.001, "AdaGrad epsilon")
	cmd.Flags().Float32("weightsThreshold", 0.1, "prune node weights below this magnitude")
	cmd.Flags().Float64("featuresThreshold", 0, "drop features below this magnitude before fitting")
	cmd.Flags().Bool("inbalanceLabelsWeighting", false, "reweight positive/negative examples per node by class imbalance")
	cmd.Flags().Bool("pickOneLabelWeighting", false, "downweight multi-label examples by 1/|labels|")
	cmd.Flags().Int("ensemble", 0, "number of independently trained ensemble members (0 disables)")
	cmd.Flags().Int64("memLimit", 0, "approximate byte budget for resident training buckets (0 = unbounded)")
	cmd.Flags().Bool("profile", false, "write a CPU profile to --output for the duration of training")
	cmd.Flags().String("dumpTree", "", "export the built tree to this path (.dot for Graphviz, otherwise the plain-text edge list)")
	cmd.Flags().String("dumpCentroids", "", "export the hierarchical-k-means label-feature centroid matrix to this .npy path")
}
