// Package ofo implements the online F-measure threshold optimizer:
// per-label thresholds learned from running true/false-positive-like
// counters, updated one training example at a time.
package ofo

import (
	"fmt"

	"github.com/chenhao392/extremeplt/internal/plt"
	"github.com/chenhao392/extremeplt/internal/srm"
)

// Variant selects how Thresholds derives a vector from the per-label
// running counts.
type Variant int

const (
	// VariantMacro computes an independent threshold per label.
	VariantMacro Variant = iota
	// VariantMicro computes one threshold shared by every label, from
	// counts summed across all labels.
	VariantMicro
	// VariantMixed is per-label, floored at the micro threshold.
	VariantMixed
)

// Config carries the optimizer's initial counters and variant choice.
type Config struct {
	Variant Variant
	InitA   float64
	InitB   float64
	Epochs  int
}

// Optimizer holds the running per-label a_l (TP-like numerator) and
// b_l (TP+FP+FN-like denominator) counters.
type Optimizer struct {
	k       int
	a, b    []float64
	variant Variant
}

// New allocates an Optimizer for k labels with every counter seeded
// from cfg.InitA/cfg.InitB.
func New(k int, cfg Config) *Optimizer {
	a := make([]float64, k)
	b := make([]float64, k)
	for i := range a {
		a[i] = cfg.InitA
		b[i] = cfg.InitB
	}
	return &Optimizer{k: k, a: a, b: b, variant: cfg.Variant}
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Thresholds returns the current per-label threshold vector.
func (o *Optimizer) Thresholds() []float64 {
	out := make([]float64, o.k)
	switch o.variant {
	case VariantMicro:
		theta := o.microTheta()
		for l := range out {
			out[l] = theta
		}
	case VariantMixed:
		micro := o.microTheta()
		for l := range out {
			macro := safeDiv(o.a[l], o.b[l])
			if macro > micro {
				out[l] = macro
			} else {
				out[l] = micro
			}
		}
	default: // VariantMacro
		for l := range out {
			out[l] = safeDiv(o.a[l], o.b[l])
		}
	}
	return out
}

func (o *Optimizer) microTheta() float64 {
	var sa, sb float64
	for l := range o.a {
		sa += o.a[l]
		sb += o.b[l]
	}
	return safeDiv(sa, sb)
}

// Update scores one example against the optimizer's current
// thresholds (so predicted/actual agreement reflects the estimate in
// force at that point in the stream), then advances the counters:
// a_l += predicted_l AND actual_l, b_l += predicted_l OR actual_l.
// scores is a dense per-label score vector; trueLabels is the
// example's positive-label set.
func (o *Optimizer) Update(scores []float64, trueLabels []srm.Label) {
	theta := o.Thresholds()
	actual := make([]bool, o.k)
	for _, l := range trueLabels {
		if int(l) < o.k {
			actual[l] = true
		}
	}
	for l := 0; l < o.k; l++ {
		predicted := scores[l] >= theta[l]
		if predicted && actual[l] {
			o.a[l]++
		}
		if predicted || actual[l] {
			o.b[l]++
		}
	}
}

// Fit streams (X,Y) through model for cfg.Epochs passes (default 1),
// scoring every label of every example with the model's full
// probability traversal and feeding those scores to Update, and
// returns the final threshold vector.
func Fit(model *plt.Model, X *srm.Matrix[srm.Feature], Y *srm.Matrix[srm.Label], k int, cfg Config) ([]float64, error) {
	if X.Rows() != Y.Rows() {
		return nil, fmt.Errorf("ofo: X has %d rows, Y has %d", X.Rows(), Y.Rows())
	}
	o := New(k, cfg)

	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = 1
	}

	for epoch := 0; epoch < epochs; epoch++ {
		for i := 0; i < X.Rows(); i++ {
			x := X.RowEntries(i)
			// The zero-value PredictConfig has no top-k cutoff, no
			// scalar threshold, and no threshold vector, so every
			// admission check defaults to true and the traversal
			// surfaces every label's score.
			predictions := model.Predict(x, plt.PredictConfig{})
			scores := make([]float64, k)
			for _, p := range predictions {
				if int(p.Label) < k {
					scores[p.Label] = p.Score
				}
			}
			o.Update(scores, Y.RowEntries(i))
		}
	}
	return o.Thresholds(), nil
}
