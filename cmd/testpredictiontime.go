package cmd

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"

	"github.com/chenhao392/extremeplt/internal/data"
)

var testPredictionTimeCmd = &cobra.Command{
	Use:   "testPredictionTime",
	Short: "benchmark prediction latency across a range of batch sizes",
	Long: `
Loads the model persisted at --output, then for each size in
--batchSizes draws that many rows from --input (cycling back to the
start if the file is smaller) and repeats the batch --batches times,
reporting the mean/median/stddev wall-clock latency per batch size.`,
	Run: func(cmd *cobra.Command, cliArgs []string) {
		a, err := argsFromFlags(cmd, "testPredictionTime")
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
		X, _, _, err := data.ReadLibsvm(inF, a.Header)
		inF.Close()
		if err != nil {
			log.Fatal(err)
		}
		for i := 0; i < X.Rows(); i++ {
			X.ReplaceRow(i, reader.Apply(X.RowEntries(i)))
		}
		if X.Rows() == 0 {
			log.Fatal("extremeplt: --input has no rows to benchmark against")
		}

		m, err := loadModel(a.Output, storedArgs)
		if err != nil {
			log.Fatalf("extremeplt: loading model from %s: %v", a.Output, err)
		}
		cfg, err := predictConfig(&a)
		if err != nil {
			log.Fatal(err)
		}

		sizes, err := parseBatchSizes(a.BatchSizes)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Printf("batchSize\tmeanMs\tmedianMs\tstddevMs\n")
		for _, size := range sizes {
			samples := make([]float64, 0, a.Batches)
			for b := 0; b < a.Batches; b++ {
				start := time.Now()
				for j := 0; j < size; j++ {
					row := X.RowEntries(j % X.Rows())
					if _, err := predictOne(m, row, cfg); err != nil {
						log.Fatal(err)
					}
				}
				samples = append(samples, float64(time.Since(start).Microseconds())/1000.0)
			}
			mean, _ := stats.Mean(samples)
			median, _ := stats.Median(samples)
			stddev, _ := stats.StandardDeviation(samples)
			fmt.Printf("%d\t%.4f\t%.4f\t%.4f\n", size, mean, median, stddev)
		}
	},
}

func init() {
	rootCmd.AddCommand(testPredictionTimeCmd)
	registerCommonFlags(testPredictionTimeCmd)
	registerPredictionFlags(testPredictionTimeCmd)
	testPredictionTimeCmd.Flags().String("batchSizes", "100,1000,10000", "comma-separated batch sizes to benchmark")
	testPredictionTimeCmd.Flags().Int("batches", 10, "number of repeated batches sampled per batch size")
}

func parseBatchSizes(s string) ([]int, error) {
	var out []int
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("extremeplt: malformed batch size %q: %w", tok, err)
		}
		out = append(out, n)
	}
	return out, nil
}
