// Package base implements the per-node binary probabilistic classifier:
// a sparse linear model fit by one of a small family of solvers and
// scored through a logistic link. It is deliberately the only place in
// the tree that knows about a concrete optimization algorithm; the tree
// and PLT trainer/predictor only ever see Model and its Fit/Probability
// contract.
package base

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/chenhao392/extremeplt/internal/srm"
)

// SolverKind selects the liblinear-style batch solver used by Fit.
type SolverKind int

const (
	L2RLrDual SolverKind = iota
	L2RLr
	L1RLr
	L2RL2LossSVCDual
	L2RL2LossSVC
	L2RL1LossSVCDual
	L1RL2LossSVC
)

// Optimizer selects the online update rule Fit uses when it is not
// OptimizerLiblinear.
type Optimizer int

const (
	OptimizerLiblinear Optimizer = iota
	OptimizerSGD
	OptimizerAdaGrad
	OptimizerFOBOS
)

// SparseWeight is one (index, weight) pair of a fit model.
type SparseWeight struct {
	Index  int32
	Weight float32
}

// Model is the sparse weight vector plus bias fit for a single tree node.
type Model struct {
	Weights  []SparseWeight
	Bias     float32
	Solver   SolverKind
	Constant bool    // true if the classifier never called the solver
	ConstP   float64 // observed class probability, valid iff Constant
}

// Config carries every solver parameter named in the specification's
// configuration table.
type Config struct {
	Solver       SolverKind
	Optimizer    Optimizer
	Cost         float64 // C
	Eps          float64
	MaxIter      int
	Eta          float64
	Epochs       int
	L2Penalty    float64
	FobosPenalty float64
	AdagradEps   float64
	Bias         float64 // bias feature value; not read by Fit (data.Reader.Apply adds the bias feature to rows)

	// WeightsThreshold prunes fitted weights at or below this magnitude
	// (0 disables pruning).
	WeightsThreshold float32
}

// DefaultConfig returns a baseline configuration for using this package
// directly; the command line's defaults come from pltargs.Default and
// differ (for example in Cost and Solver).
func DefaultConfig() Config {
	return Config{
		Solver:     L2RL2LossSVCDual,
		Optimizer:  OptimizerLiblinear,
		Cost:       1.0,
		Eps:        0.1,
		MaxIter:    100,
		Eta:        1.0,
		Epochs:     1,
		L2Penalty:  1.0,
		AdagradEps: 1e-6,
		Bias:       1.0,
	}
}

func dot(w []SparseWeight, x []srm.Feature) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(w) && j < len(x) {
		wi, xi := w[i].Index, x[j].Index
		switch {
		case wi == xi:
			sum += float64(w[i].Weight) * float64(x[j].Value)
			i++
			j++
		case wi < xi:
			i++
		default:
			j++
		}
	}
	return sum
}

// Fit derives a sparse weight vector and bias from rows of sparse
// features and 0/1 targets. Degenerate inputs (all labels identical)
// never invoke a solver: they emit a constant classifier that always
// returns the observed class probability.
func Fit(rows [][]srm.Feature, y []float64, instanceWeights []float64, cfg Config) (*Model, error) {
	if len(rows) != len(y) {
		return nil, fmt.Errorf("base: rows/labels length mismatch: %d vs %d", len(rows), len(y))
	}
	if len(rows) == 0 {
		return &Model{Constant: true, ConstP: 0.5}, nil
	}

	allSame := true
	for _, v := range y {
		if v != y[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return &Model{Constant: true, ConstP: y[0]}, nil
	}

	var m *Model
	var err error
	switch {
	case cfg.Optimizer != OptimizerLiblinear:
		m, err = fitOnline(rows, y, cfg)
	case cfg.Solver == L2RL2LossSVCDual || cfg.Solver == L2RL1LossSVCDual || cfg.Solver == L2RLrDual:
		m, err = fitDualCD(rows, y, instanceWeights, cfg)
	default:
		m, err = fitPrimalGD(rows, y, instanceWeights, cfg)
	}
	if err != nil {
		return nil, err
	}
	m.Prune(cfg.WeightsThreshold)
	return m, nil
}

// dimBound returns one past the maximum feature index observed in rows.
func dimBound(rows [][]srm.Feature) int {
	maxIdx := int32(-1)
	for _, r := range rows {
		for _, f := range r {
			if f.Index > maxIdx {
				maxIdx = f.Index
			}
		}
	}
	return int(maxIdx) + 1
}

func signedLabel(v float64) float64 {
	if v > 0 {
		return 1
	}
	return -1
}

// fitDualCD implements dual coordinate descent for L2-regularized
// L2-loss/L1-loss linear SVM (Hsieh et al., the algorithm LIBLINEAR's
// dual solvers are built on) and reuses it, as an approximation, for the
// L2R_LR_DUAL solver kind — a compromise called out in DESIGN.md.
func fitDualCD(rows [][]srm.Feature, y, instanceWeights []float64, cfg Config) (*Model, error) {
	n := len(rows)
	dim := dimBound(rows)
	w := make([]float64, dim)
	alpha := make([]float64, n)
	qd := make([]float64, n)
	labels := make([]float64, n)

	l2Loss := cfg.Solver != L2RL1LossSVCDual

	for i, r := range rows {
		labels[i] = signedLabel(y[i])
		var sq float64
		for _, f := range r {
			sq += float64(f.Value) * float64(f.Value)
		}
		if l2Loss {
			sq += 1.0 / (2 * cfg.Cost)
		}
		qd[i] = sq
	}

	upperBound := cfg.Cost
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	maxIter := cfg.MaxIter
	if maxIter <= 0 {
		maxIter = 100
	}
	for iter := 0; iter < maxIter; iter++ {
		var maxPG, minPG float64 = math.Inf(-1), math.Inf(1)
		for _, i := range order {
			iw := 1.0
			if instanceWeights != nil {
				iw = instanceWeights[i]
			}
			c := upperBound * iw
			if qd[i] <= 0 {
				continue
			}
			g := labels[i]*dotDense(w, rows[i]) - 1
			if !l2Loss {
				g += 0 // hinge; L1 loss keeps qd without the 1/2C term
			} else {
				g += alpha[i] / (2 * cfg.Cost)
			}

			pg := 0.0
			if alpha[i] == 0 {
				if g > 0 {
					pg = 0
				} else {
					pg = g
				}
			} else if alpha[i] == c {
				if g < 0 {
					pg = 0
				} else {
					pg = g
				}
			} else {
				pg = g
			}

			if pg > maxPG {
				maxPG = pg
			}
			if pg < minPG {
				minPG = pg
			}
			if math.Abs(pg) < 1e-12 {
				continue
			}

			alphaOld := alpha[i]
			alpha[i] = math.Min(math.Max(alpha[i]-g/qd[i], 0), c)
			delta := (alpha[i] - alphaOld) * labels[i]
			for _, f := range rows[i] {
				w[f.Index] += delta * float64(f.Value)
			}
		}
		if maxPG-minPG < cfg.Eps {
			break
		}
	}

	return weightsToModel(w, cfg.Solver), nil
}

func dotDense(w []float64, row []srm.Feature) float64 {
	var sum float64
	for _, f := range row {
		if int(f.Index) < len(w) {
			sum += w[f.Index] * float64(f.Value)
		}
	}
	return sum
}

// fitPrimalGD fits L2R_LR / L1R_LR / primal SVC variants with proximal
// gradient descent: a plain L2 gradient step, followed for L1 variants by
// a soft-threshold shrinkage step (ISTA), which is the primal analogue of
// the online FOBOS update used elsewhere in this package.
func fitPrimalGD(rows [][]srm.Feature, y, instanceWeights []float64, cfg Config) (*Model, error) {
	n := len(rows)
	dim := dimBound(rows)
	w := make([]float64, dim)

	l1 := cfg.Solver == L1RLr || cfg.Solver == L1RL2LossSVC
	logistic := cfg.Solver == L2RLr || cfg.Solver == L1RLr

	lr := 1.0 / cfg.Cost
	if lr <= 0 || math.IsInf(lr, 0) {
		lr = 0.1
	}
	step := 0.1

	maxIter := cfg.MaxIter
	if maxIter <= 0 {
		maxIter = 100
	}
	for iter := 0; iter < maxIter; iter++ {
		grad := make([]float64, dim)
		var objDelta float64
		for i, r := range rows {
			iw := 1.0
			if instanceWeights != nil {
				iw = instanceWeights[i]
			}
			target := y[i]
			pred := sigmoid(dotDense(w, r))
			var err float64
			if logistic {
				err = (pred - target) * iw
			} else {
				lbl := signedLabel(target)
				margin := lbl * dotDense(w, r)
				if margin < 1 {
					err = -lbl * iw
				} else {
					err = 0
				}
			}
			objDelta += math.Abs(err)
			for _, f := range r {
				grad[f.Index] += err * float64(f.Value)
			}
		}
		for j := range w {
			reg := w[j] / cfg.Cost
			w[j] -= step * (grad[j]/float64(n) + reg)
			if l1 {
				w[j] = softThreshold(w[j], step*lr)
			}
		}
		if objDelta/float64(n) < cfg.Eps {
			break
		}
	}

	return weightsToModel(w, cfg.Solver), nil
}

func softThreshold(v, thresh float64) float64 {
	if v > thresh {
		return v - thresh
	}
	if v < -thresh {
		return v + thresh
	}
	return 0
}

func weightsToModel(w []float64, solver SolverKind) *Model {
	m := &Model{Solver: solver}
	for i, v := range w {
		if v != 0 {
			m.Weights = append(m.Weights, SparseWeight{Index: int32(i), Weight: float32(v)})
		}
	}
	return m
}

// fitOnline implements the SGD / AdaGrad / FOBOS optimizers: a single
// pass (or Epochs passes) of per-example sparse gradient updates.
func fitOnline(rows [][]srm.Feature, y []float64, cfg Config) (*Model, error) {
	dim := dimBound(rows)
	w := make([]float64, dim)
	var g2 []float64
	if cfg.Optimizer == OptimizerAdaGrad {
		g2 = make([]float64, dim)
	}

	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	eta := cfg.Eta
	if eta <= 0 {
		eta = 1.0
	}

	for epoch := 0; epoch < epochs; epoch++ {
		for i, r := range rows {
			pred := sigmoid(dotDense(w, r))
			err := pred - y[i]
			for _, f := range r {
				grad := err*float64(f.Value) + cfg.L2Penalty*w[f.Index]
				switch cfg.Optimizer {
				case OptimizerAdaGrad:
					g2[f.Index] += grad * grad
					w[f.Index] -= eta / (math.Sqrt(g2[f.Index]) + cfg.AdagradEps) * grad
				default: // SGD, FOBOS
					w[f.Index] -= eta * grad
				}
			}
			if cfg.Optimizer == OptimizerFOBOS {
				thresh := eta * cfg.FobosPenalty
				for _, f := range r {
					w[f.Index] = softThreshold(w[f.Index], thresh)
				}
			}
		}
	}

	return weightsToModel(w, L2RLr), nil
}

func sigmoid(x float64) float64 {
	switch {
	case x < -8:
		return 0
	case x > 8:
		return 1
	}
	return 1 / (1 + math.Exp(-x))
}

// Probability scores x under m through the logistic link, clamping the
// exponent argument outside [-8, 8] to avoid overflow.
func (m *Model) Probability(x []srm.Feature) float64 {
	if m.Constant {
		return m.ConstP
	}
	return sigmoid(dot(m.Weights, x) + float64(m.Bias))
}

// Prune drops weights whose magnitude is at or below threshold.
func (m *Model) Prune(threshold float32) {
	if threshold <= 0 || m.Constant {
		return
	}
	kept := m.Weights[:0]
	for _, w := range m.Weights {
		if float32(math.Abs(float64(w.Weight))) > threshold {
			kept = append(kept, w)
		}
	}
	m.Weights = kept
}

// Save writes m in a compact binary format.
func (m *Model) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, m.Constant); err != nil {
		return err
	}
	if m.Constant {
		if err := binary.Write(bw, binary.LittleEndian, m.ConstP); err != nil {
			return err
		}
		return bw.Flush()
	}
	if err := binary.Write(bw, binary.LittleEndian, int32(m.Solver)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, m.Bias); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, int32(len(m.Weights))); err != nil {
		return err
	}
	for _, sw := range m.Weights {
		if err := binary.Write(bw, binary.LittleEndian, sw.Index); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, sw.Weight); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load reads a Model written by Save.
func Load(r io.Reader) (*Model, error) {
	br := bufio.NewReader(r)
	m := &Model{}
	if err := binary.Read(br, binary.LittleEndian, &m.Constant); err != nil {
		return nil, err
	}
	if m.Constant {
		if err := binary.Read(br, binary.LittleEndian, &m.ConstP); err != nil {
			return nil, err
		}
		return m, nil
	}
	var solver int32
	if err := binary.Read(br, binary.LittleEndian, &solver); err != nil {
		return nil, err
	}
	m.Solver = SolverKind(solver)
	if err := binary.Read(br, binary.LittleEndian, &m.Bias); err != nil {
		return nil, err
	}
	var n int32
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	m.Weights = make([]SparseWeight, n)
	for i := range m.Weights {
		if err := binary.Read(br, binary.LittleEndian, &m.Weights[i].Index); err != nil {
			return nil, err
		}
		if err := binary.Read(br, binary.LittleEndian, &m.Weights[i].Weight); err != nil {
			return nil, err
		}
	}
	return m, nil
}
