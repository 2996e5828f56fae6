// Package plt implements the probabilistic label tree trainer and
// predictor: deriving per-node positive/negative training buckets from
// a label tree, fitting one binary classifier per node, and walking
// the tree best-first at prediction time.
package plt

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/chenhao392/extremeplt/internal/base"
	"github.com/chenhao392/extremeplt/internal/srm"
	"github.com/chenhao392/extremeplt/internal/tree"
)

// Model bundles a tree with one classifier per node (nil where a node
// never received training data, which should not happen for a tree
// trained against a label set it was built from).
type Model struct {
	Tree  *tree.Tree
	Nodes []*base.Model
}

// TrainConfig carries the per-node classifier configuration and the
// two optional reweighting policies.
type TrainConfig struct {
	Base                      base.Config
	Threads                   int
	MemLimit                  int64
	ImbalancedLabelsWeighting bool
	PickOneLabelWeighting     bool
}

type bucketEntry struct {
	row    int
	label  float64
	weight float64
}

// deriveSets computes the positive node set (union of leaf-to-root
// paths for every label the example carries) and the negative node
// set (siblings of positive nodes that are not themselves positive).
// An example with no positive labels contributes only negative
// updates along the root's children.
func deriveSets(t *tree.Tree, labels []srm.Label) (pos, neg map[int32]bool) {
	pos = make(map[int32]bool)
	neg = make(map[int32]bool)

	if len(labels) == 0 {
		root := t.Nodes[t.Root]
		for _, c := range root.Children {
			neg[c] = true
		}
		return pos, neg
	}

	for _, lbl := range labels {
		leaf, ok := t.Leaves[int32(lbl)]
		if !ok {
			continue
		}
		for _, n := range t.PathToRoot(leaf) {
			pos[n] = true
		}
	}
	for n := range pos {
		node := t.Nodes[n]
		if node.Parent == tree.NoParent {
			continue
		}
		for _, sib := range t.Nodes[node.Parent].Children {
			if !pos[sib] {
				neg[sib] = true
			}
		}
	}
	return pos, neg
}

func countBucketSizes(t *tree.Tree, Y *srm.Matrix[srm.Label]) []int {
	counts := make([]int, len(t.Nodes))
	for i := 0; i < Y.Rows(); i++ {
		pos, neg := deriveSets(t, Y.RowEntries(i))
		for n := range pos {
			counts[n]++
		}
		for n := range neg {
			counts[n]++
		}
	}
	return counts
}

// estBytesPerBucketEntry is a rough per-entry memory estimate (row
// index + label + weight, plus slice overhead) used only to decide
// where to split node ranges under a memory limit; it is deliberately
// approximate.
const estBytesPerBucketEntry = 40

// planNodeRanges splits [0,len(counts)) into contiguous node ranges
// whose estimated bucket memory stays under memLimit. memLimit <= 0
// means unlimited: a single range covering every node.
func planNodeRanges(counts []int, memLimit int64) [][2]int {
	if memLimit <= 0 {
		return [][2]int{{0, len(counts)}}
	}
	maxEntries := memLimit / estBytesPerBucketEntry
	if maxEntries < 1 {
		maxEntries = 1
	}

	var ranges [][2]int
	start := 0
	var acc int64
	for i, c := range counts {
		if acc > 0 && acc+int64(c) > maxEntries {
			ranges = append(ranges, [2]int{start, i})
			start = i
			acc = 0
		}
		acc += int64(c)
	}
	ranges = append(ranges, [2]int{start, len(counts)})
	return ranges
}

// streamBuckets makes one pass over (X,Y), populating training
// buckets for nodes in [lo,hi) only.
func streamBuckets(t *tree.Tree, Y *srm.Matrix[srm.Label], cfg TrainConfig, lo, hi int) [][]bucketEntry {
	buckets := make([][]bucketEntry, len(t.Nodes))
	rows := Y.Rows()
	for i := 0; i < rows; i++ {
		labels := Y.RowEntries(i)
		pos, neg := deriveSets(t, labels)

		posWeight := 1.0
		if cfg.PickOneLabelWeighting && len(labels) > 0 {
			posWeight = 1.0 / float64(len(labels))
		}
		for n := range pos {
			if int(n) < lo || int(n) >= hi {
				continue
			}
			buckets[n] = append(buckets[n], bucketEntry{row: i, label: 1, weight: posWeight})
		}
		for n := range neg {
			if int(n) < lo || int(n) >= hi {
				continue
			}
			buckets[n] = append(buckets[n], bucketEntry{row: i, label: 0, weight: 1})
		}
	}

	if cfg.ImbalancedLabelsWeighting {
		applyImbalancedWeighting(buckets, lo, hi)
	}
	return buckets
}

// applyImbalancedWeighting scales positive entries by (Npos+Nneg)/(2*Npos)
// and negative entries symmetrically, per node.
func applyImbalancedWeighting(buckets [][]bucketEntry, lo, hi int) {
	for n := lo; n < hi; n++ {
		var npos, nneg int
		for _, e := range buckets[n] {
			if e.label == 1 {
				npos++
			} else {
				nneg++
			}
		}
		if npos == 0 || nneg == 0 {
			continue
		}
		total := float64(npos + nneg)
		posFactor := total / (2 * float64(npos))
		negFactor := total / (2 * float64(nneg))
		for i := range buckets[n] {
			if buckets[n][i].label == 1 {
				buckets[n][i].weight *= posFactor
			} else {
				buckets[n][i].weight *= negFactor
			}
		}
	}
}

// fitNodes fits every node in [lo,hi) with a nonempty bucket, sharded
// across a worker pool of cfg.Threads goroutines, discarding each
// bucket immediately after its node is fit.
func fitNodes(buckets [][]bucketEntry, lo, hi int, X *srm.Matrix[srm.Feature], cfg TrainConfig, models []*base.Model) error {
	threads := cfg.Threads
	if threads < 1 {
		threads = 1
	}

	nodeIdx := make(chan int, hi-lo)
	for n := lo; n < hi; n++ {
		nodeIdx <- n
	}
	close(nodeIdx)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for w := 0; w < threads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range nodeIdx {
				entries := buckets[n]
				if len(entries) == 0 {
					continue
				}
				rows := make([][]srm.Feature, len(entries))
				y := make([]float64, len(entries))
				weights := make([]float64, len(entries))
				for i, e := range entries {
					rows[i] = X.RowEntries(e.row)
					y[i] = e.label
					weights[i] = e.weight
				}
				m, err := base.Fit(rows, y, weights, cfg.Base)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("plt: node %d: %w", n, err)
					}
					mu.Unlock()
					continue
				}
				models[n] = m
				buckets[n] = nil
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// Train derives per-node training buckets from t by walking each
// example's positive-label root paths, then fits one base classifier
// per node. When cfg.MemLimit is positive and the estimated bucket
// footprint would exceed it, nodes are processed in successive
// ranges, re-streaming the dataset once per range.
func Train(t *tree.Tree, X *srm.Matrix[srm.Feature], Y *srm.Matrix[srm.Label], cfg TrainConfig) (*Model, error) {
	if X.Rows() != Y.Rows() {
		return nil, fmt.Errorf("plt: X has %d rows, Y has %d", X.Rows(), Y.Rows())
	}

	models := make([]*base.Model, len(t.Nodes))

	counts := countBucketSizes(t, Y)
	ranges := planNodeRanges(counts, cfg.MemLimit)
	for _, rg := range ranges {
		buckets := streamBuckets(t, Y, cfg, rg[0], rg[1])
		if err := fitNodes(buckets, rg[0], rg[1], X, cfg, models); err != nil {
			return nil, err
		}
	}

	return &Model{Tree: t, Nodes: models}, nil
}

// Prediction is a single scored label.
type Prediction struct {
	Label int32
	Score float64
}

// PredictConfig selects the predictor's admission rule: TopK>0 with a
// nil Thresholds vector runs top-k mode; a positive scalar Threshold
// with TopK==0 runs scalar-threshold mode; a non-nil Thresholds
// vector (indexed by label) runs per-label threshold mode: a leaf is
// admitted when its score reaches its label's entry, and an internal
// node when its score reaches the node's own Threshold, which prunes
// only after ApplyThresholds has propagated the vector up the tree.
type PredictConfig struct {
	TopK       int
	Threshold  float64
	Thresholds []float64
}

type pqItem struct {
	node int32
	logP float64
}

type maxHeap []pqItem

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].logP > h[j].logP }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(pqItem)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// minLeafHeap holds finalized leaves up to a capacity of k, ordered so
// the lowest score sits at the root — the admission floor for top-k
// pruning.
type minLeafHeap []Prediction

func (h minLeafHeap) Len() int            { return len(h) }
func (h minLeafHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h minLeafHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minLeafHeap) Push(x interface{}) { *h = append(*h, x.(Prediction)) }
func (h *minLeafHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Predict walks the tree best-first from the root, applying the
// admission rule selected by cfg, and returns matches in descending
// score order.
func (m *Model) Predict(x []srm.Feature, cfg PredictConfig) []Prediction {
	t := m.Tree
	topKMode := cfg.TopK > 0 && cfg.Thresholds == nil
	thresholdVector := cfg.Thresholds != nil
	scalarThreshold := cfg.Thresholds == nil && cfg.TopK == 0 && cfg.Threshold > 0

	pending := &maxHeap{{node: t.Root, logP: 0}}
	heap.Init(pending)

	var finalized minLeafHeap
	var results []Prediction

	for pending.Len() > 0 {
		item := heap.Pop(pending).(pqItem)
		node := t.Nodes[item.node]
		score := math.Exp(item.logP)

		if node.IsLeaf() {
			results = append(results, Prediction{Label: node.Label, Score: score})
			if topKMode {
				heap.Push(&finalized, Prediction{Label: node.Label, Score: score})
				if finalized.Len() > cfg.TopK {
					heap.Pop(&finalized)
				}
				if len(results) == cfg.TopK {
					break
				}
			}
			continue
		}

		for _, c := range node.Children {
			child := t.Nodes[c]
			p := m.Nodes[c].Probability(x)
			childLogP := item.logP + math.Log(p)
			childScore := math.Exp(childLogP)

			admit := true
			switch {
			case thresholdVector:
				threshold := float64(child.Threshold)
				if child.IsLeaf() && int(child.Label) < len(cfg.Thresholds) {
					threshold = cfg.Thresholds[child.Label]
				}
				admit = childScore >= threshold
			case scalarThreshold:
				admit = childScore >= cfg.Threshold
			case topKMode:
				if finalized.Len() >= cfg.TopK {
					admit = childScore > finalized[0].Score
				}
			}
			if admit {
				heap.Push(pending, pqItem{node: c, logP: childLogP})
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topKMode && len(results) > cfg.TopK {
		results = results[:cfg.TopK]
	}
	return results
}

// PredictForLabel walks the path from label's leaf to the root,
// multiplying sigmoids of per-node classifiers — O(depth) rather than
// a full tree traversal. Used by the ensemble's missing-score backfill.
func (m *Model) PredictForLabel(label int32, x []srm.Feature) float64 {
	leaf, ok := m.Tree.Leaves[label]
	if !ok {
		return 0
	}
	path := m.Tree.PathToRoot(leaf)
	score := 1.0
	for i := 0; i < len(path)-1; i++ { // exclude the root: its probability is taken as 1, as in Predict
		score *= m.Nodes[path[i]].Probability(x)
	}
	return score
}

// ApplyThresholds assigns thresholds (indexed by label id) to each
// label's leaf and propagates them up the tree so per-label threshold
// mode admission stays sound.
func (m *Model) ApplyThresholds(thresholds []float64) {
	for label, idx := range m.Tree.Leaves {
		if int(label) < len(thresholds) {
			m.Tree.Nodes[idx].Threshold = float32(thresholds[label])
		}
	}
	m.Tree.PropagateThresholds()
}

// Save writes the tree and per-node classifiers to separate streams,
// matching the model directory's tree.bin / weights.bin split.
func (m *Model) Save(treeW, weightsW io.Writer) error {
	if err := m.Tree.Save(treeW); err != nil {
		return err
	}
	bw := bufio.NewWriter(weightsW)
	if err := binary.Write(bw, binary.LittleEndian, int32(len(m.Nodes))); err != nil {
		return err
	}
	for _, n := range m.Nodes {
		has := n != nil
		if err := binary.Write(bw, binary.LittleEndian, has); err != nil {
			return err
		}
		if has {
			if err := n.Save(bw); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Load reads a model written by Save.
func Load(treeR, weightsR io.Reader) (*Model, error) {
	t, err := tree.Load(treeR)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(weightsR)
	var count int32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	nodes := make([]*base.Model, count)
	for i := range nodes {
		var has bool
		if err := binary.Read(br, binary.LittleEndian, &has); err != nil {
			return nil, err
		}
		if has {
			bm, err := base.Load(br)
			if err != nil {
				return nil, err
			}
			nodes[i] = bm
		}
	}
	return &Model{Tree: t, Nodes: nodes}, nil
}
