package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/chenhao392/extremeplt/internal/data"
	"github.com/chenhao392/extremeplt/internal/srm"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "evaluate a trained model against held-out libsvm data",
	Long: `
Reads a libsvm file via --input, loads the model persisted at --output,
runs prediction over every row, and prints the measures named in
--measures to stdout.`,
	Run: func(cmd *cobra.Command, cliArgs []string) {
		a, err := argsFromFlags(cmd, "test")
		if err != nil {
			log.Fatal(err)
		}

		storedArgs, err := data.LoadArgsFile(a.Output)
		if err != nil {
			log.Fatalf("extremeplt: loading persisted args from %s: %v", a.Output, err)
		}
		reader, err := data.LoadReaderFile(a.Output)
		if err != nil {
			log.Fatalf("extremeplt: loading persisted reader from %s: %v", a.Output, err)
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
		for i := 0; i < X.Rows(); i++ {
			X.ReplaceRow(i, reader.Apply(X.RowEntries(i)))
		}

		m, err := loadModel(a.Output, storedArgs)
		if err != nil {
			log.Fatalf("extremeplt: loading model from %s: %v", a.Output, err)
		}
		cfg, err := predictConfig(&a)
		if err != nil {
			log.Fatal(err)
		}

		preds, err := predictBatch(m, X, cfg)
		if err != nil {
			log.Fatal(err)
		}

		accs, err := measuresFromNames(a.Measures)
		if err != nil {
			log.Fatal(err)
		}

		trueBatch := rowsAsLabels(Y)
		for _, acc := range accs {
			acc.Accumulate(trueBatch, preds)
			v, err := acc.Value()
			if err != nil {
				log.Fatalf("extremeplt: computing %s: %v", acc.Name(), err)
			}
			fmt.Printf("%s\t%.6f\n", acc.Name(), v)
		}
	},
}

func init() {
	rootCmd.AddCommand(testCmd)
	registerCommonFlags(testCmd)
	registerPredictionFlags(testCmd)
	testCmd.Flags().String("measures", "p@1,r@1,c@1,p@3,r@3,c@3,p@5,r@5,c@5", "comma-separated measures to report")
}

// rowsAsLabels flattens a label matrix into the per-row slices the
// measure accumulators expect.
func rowsAsLabels(Y *srm.Matrix[srm.Label]) [][]srm.Label {
	out := make([][]srm.Label, Y.Rows())
	for i := range out {
		out[i] = Y.RowEntries(i)
	}
	return out
}

// registerPredictionFlags registers the prediction-cutoff flags shared
// by test and predict.
func registerPredictionFlags(cmd *cobra.Command) {
	cmd.Flags().Int("topK", 5, "keep the top-k scored labels per example")
	cmd.Flags().Float64("threshold", 0, "keep labels scoring at or above this scalar threshold instead of a fixed k")
	cmd.Flags().String("thresholds", "", "path to a per-label thresholds file, one float per line, overriding --threshold/--topK")
	cmd.Flags().Int("ensemble", 0, "number of ensemble members; not applied: the model is loaded with the member count stored in its args.bin")
	cmd.Flags().Bool("onTheTrot", false, "load one ensemble member at a time instead of keeping all resident; not applied: the loading mode stored in the model's args.bin is used")
	cmd.Flags().Bool("ensMissingScores", true, "backfill labels only some ensemble members surfaced; not applied: the setting stored in the model's args.bin is used")
}
