package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/chenhao392/extremeplt/internal/data"
	"github.com/chenhao392/extremeplt/internal/ofo"
	"github.com/chenhao392/extremeplt/internal/pltargs"
	"github.com/chenhao392/extremeplt/internal/srm"
)

var ofoCmd = &cobra.Command{
	Use:   "ofo",
	Short: "fit per-label prediction thresholds online from labeled data",
	Long: `
Streams --input through the model persisted at --output, updating the
online F-measure threshold optimizer one example at a time, and writes
the resulting per-label thresholds to --thresholds (one float per
line).`,
	Run: func(cmd *cobra.Command, cliArgs []string) {
		a, err := argsFromFlags(cmd, "ofo")
		if err != nil {
			log.Fatal(err)
		}

		storedArgs, err := data.LoadArgsFile(a.Output)
		if err != nil {
			log.Fatalf("extremeplt: loading persisted args from %s: %v", a.Output, err)
		}
		if storedArgs.Ensemble > 0 {
			log.Fatal("extremeplt: ofo only supports a single (non-ensemble) model")
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

		variant := ofoVariant(a.OFOType)
		k := ofoLabelCount(Y, a.OFOTopLabels)
		thresholds, err := ofo.Fit(m.Single, X, Y, k, ofo.Config{Variant: variant, Epochs: 1})
		if err != nil {
			log.Fatal(err)
		}

		outPath := a.Thresholds
		if outPath == "" {
			log.Fatal("extremeplt: --thresholds is required for ofo")
		}
		outF, err := os.Create(outPath)
		if err != nil {
			log.Fatalf("extremeplt: creating %s: %v", outPath, err)
		}
		defer outF.Close()
		for _, t := range thresholds {
			fmt.Fprintf(outF, "%.8f\n", t)
		}
	},
}

func init() {
	rootCmd.AddCommand(ofoCmd)
	registerCommonFlags(ofoCmd)
	ofoCmd.Flags().String("ofoType", "micro", "threshold variant: macro, micro, or mixed")
	ofoCmd.Flags().Int("ofoTopLabels", 1000, "number of labels to track when the model's label space exceeds this")
	ofoCmd.Flags().String("thresholds", "", "output path for the fitted per-label thresholds")
}

// ofoVariant translates the CLI-facing pltargs enum into the ofo
// package's own, kept separate to avoid internal/pltargs importing
// internal/ofo.
func ofoVariant(v pltargs.OFOVariant) ofo.Variant {
	switch v {
	case pltargs.OFOMacro:
		return ofo.VariantMacro
	case pltargs.OFOMixed:
		return ofo.VariantMixed
	default:
		return ofo.VariantMicro
	}
}

// ofoLabelCount returns the label space size to track, capped at
// topLabels when that is smaller and positive.
func ofoLabelCount(Y *srm.Matrix[srm.Label], topLabels int) int {
	k := labelCount(Y)
	if topLabels > 0 && topLabels < k {
		return topLabels
	}
	return k
}
