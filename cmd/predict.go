package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/chenhao392/extremeplt/internal/data"
	"github.com/chenhao392/extremeplt/internal/plt"
	"github.com/chenhao392/extremeplt/internal/srm"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "score libsvm rows against a trained model and print label:score pairs",
	Long: `
Reads --input (or "-" for stdin), loads the model persisted at
--output, and prints one line of space-separated label:score pairs per
input row.`,
	Run: func(cmd *cobra.Command, cliArgs []string) {
		a, err := argsFromFlags(cmd, "predict")
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

		var inF *os.File
		if a.Input == "-" || a.Input == "" {
			inF = os.Stdin
		} else {
			inF, err = os.Open(a.Input)
			if err != nil {
				log.Fatalf("extremeplt: opening --input %s: %v", a.Input, err)
			}
			defer inF.Close()
		}
		X, _, _, err := data.ReadLibsvm(inF, a.Header)
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

		out := bufio.NewWriter(os.Stdout)
		defer out.Flush()
		for i := 0; i < X.Rows(); i++ {
			preds, err := predictOne(m, X.RowEntries(i), cfg)
			if err != nil {
				log.Fatal(err)
			}
			writePredictionLine(out, preds)
		}
	},
}

func init() {
	rootCmd.AddCommand(predictCmd)
	registerCommonFlags(predictCmd)
	registerPredictionFlags(predictCmd)
}

// predictOne scores a single row, dispatching to a plain *plt.Model or
// an ensemble depending on what loadModel returned.
func predictOne(m *loadedModel, x []srm.Feature, cfg plt.PredictConfig) ([]plt.Prediction, error) {
	if m.Ensemble != nil {
		return m.Ensemble.Predict(x, cfg)
	}
	return m.Single.Predict(x, cfg), nil
}

func writePredictionLine(w *bufio.Writer, preds []plt.Prediction) {
	for i, p := range preds {
		if i > 0 {
			w.WriteByte(' ')
		}
		fmt.Fprintf(w, "%d:%.6f", p.Label, p.Score)
	}
	w.WriteByte('\n')
}
