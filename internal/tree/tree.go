// Package tree builds and serializes the k-ary label tree that the PLT
// trainer and predictor walk: an internal node per split, a leaf per
// label. Parent/child relations are indices into a flat node slice
// rather than pointers, so the tree can be relocated or memory-mapped
// and carries no ownership cycles.
package tree

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gonum/matrix/mat64"
)

// NoParent/NoLabel mark the root's parent slot and an internal node's
// label slot respectively.
const (
	NoParent int32 = -1
	NoLabel  int32 = -1
)

// Node is one entry of the flat node array.
type Node struct {
	Index     int32
	Label     int32
	Parent    int32
	Children  []int32
	Threshold float32
}

// IsLeaf reports whether n is a label-bearing leaf.
func (n *Node) IsLeaf() bool { return n.Label != NoLabel }

// Tree is a connected rooted k-ary tree. K is the label count, T the node
// count; Leaves maps label id to node index.
type Tree struct {
	Nodes  []*Node
	Root   int32
	Leaves map[int32]int32
	K      int
	T      int
}

func newTree() *Tree {
	return &Tree{Leaves: make(map[int32]int32)}
}

func (t *Tree) newNode(parent int32, label int32) int32 {
	idx := int32(len(t.Nodes))
	n := &Node{Index: idx, Label: label, Parent: parent}
	t.Nodes = append(t.Nodes, n)
	if parent != NoParent {
		t.Nodes[parent].Children = append(t.Nodes[parent].Children, idx)
	}
	if label != NoLabel {
		t.Leaves[label] = idx
	}
	return idx
}

// NumberOfLeaves counts leaves under root (under the whole tree's root
// if root is NoParent).
func (t *Tree) NumberOfLeaves(root int32) int {
	if len(t.Leaves) == 0 {
		return 0
	}
	if root == NoParent {
		root = t.Root
	}
	count := 0
	queue := []int32{root}
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		n := t.Nodes[idx]
		if n.IsLeaf() {
			count++
		}
		queue = append(queue, n.Children...)
	}
	return count
}

// Validate checks the invariants required after construction or load:
// every label in [0,K) is exactly one leaf, every internal node has at
// least one child, and exactly one node has no parent. Internal nodes
// with a single child are accepted.
func (t *Tree) Validate() error {
	if len(t.Nodes) != t.T {
		return fmt.Errorf("tree: node count %d != declared t %d", len(t.Nodes), t.T)
	}
	if len(t.Leaves) != t.K {
		return fmt.Errorf("tree: leaf count %d != declared k %d", len(t.Leaves), t.K)
	}
	for l := 0; l < t.K; l++ {
		if _, ok := t.Leaves[int32(l)]; !ok {
			return fmt.Errorf("tree: label %d has no leaf", l)
		}
	}
	roots := 0
	for _, n := range t.Nodes {
		if n.Parent == NoParent {
			roots++
		}
		if !n.IsLeaf() && len(n.Children) == 0 {
			return fmt.Errorf("tree: internal node %d has no children", n.Index)
		}
	}
	if roots != 1 {
		return fmt.Errorf("tree: expected exactly one root, found %d", roots)
	}
	return nil
}

// PropagateThresholds sets every internal node's threshold to the min of
// its children's thresholds, so that node.Threshold <= every descendant
// leaf's threshold and admission pruning stays admissible.
func (t *Tree) PropagateThresholds() {
	var visit func(idx int32) float32
	visit = func(idx int32) float32 {
		n := t.Nodes[idx]
		if n.IsLeaf() {
			return n.Threshold
		}
		min := float32(math.MaxFloat32)
		for _, c := range n.Children {
			v := visit(c)
			if v < min {
				min = v
			}
		}
		n.Threshold = min
		return min
	}
	visit(t.Root)
}

// singleLeafTree returns the degenerate one-node tree used whenever k=1:
// the root is itself the only leaf, carrying label 0.
func singleLeafTree() *Tree {
	t := newTree()
	t.K = 1
	t.Root = t.newNode(NoParent, 0)
	t.T = 1
	return t
}

// BuildComplete allocates a complete k-ary tree: t = ceil((arity*k-1)/(arity-1))
// nodes; node i's parent is floor((i-1)/arity); the last k nodes are
// leaves, receiving labels in order or a fixed random permutation.
func BuildComplete(k, arity int, randomize bool, rng *rand.Rand) *Tree {
	t := newTree()
	t.K = k
	total := int(math.Ceil(float64(arity*k-1) / float64(arity-1)))
	t.T = total
	firstLeaf := total - k

	var order []int
	if randomize {
		order = rng.Perm(k)
	}

	labelFor := func(i int) int32 {
		if i < firstLeaf {
			return NoLabel
		}
		li := i - firstLeaf
		if randomize {
			return int32(order[li])
		}
		return int32(li)
	}

	t.Root = t.newNode(NoParent, labelFor(0))
	for i := 1; i < total; i++ {
		parent := int32((i - 1) / arity)
		t.newNode(parent, labelFor(i))
	}
	return t
}

// BuildBalanced recursively splits [0,k) into arity nearly-equal
// partitions (sizes differ by at most one) until each leaf group is a
// single label.
func BuildBalanced(k, arity int, randomize bool, rng *rand.Rand) *Tree {
	if k == 1 {
		return singleLeafTree()
	}

	t := newTree()
	t.K = k

	order := make([]int, k)
	for i := range order {
		order[i] = i
	}
	if randomize {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	t.Root = t.newNode(NoParent, NoLabel)

	type item struct {
		node   int32
		labels []int
	}
	queue := []item{{t.Root, order}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if len(cur.labels) > 1 {
			parts := splitBalanced(cur.labels, arity)
			for _, p := range parts {
				if len(p) == 0 {
					continue
				}
				child := t.newNode(cur.node, NoLabel)
				queue = append(queue, item{child, p})
			}
		} else {
			for _, l := range cur.labels {
				t.newNode(cur.node, int32(l))
			}
		}
	}
	t.T = len(t.Nodes)
	return t
}

func splitBalanced(labels []int, arity int) [][]int {
	n := len(labels)
	base := n / arity
	extra := n % arity
	out := make([][]int, arity)
	pos := 0
	for i := 0; i < arity; i++ {
		size := base
		if i < extra {
			size++
		}
		out[i] = labels[pos : pos+size]
		pos += size
	}
	return out
}

// Frequency pairs a label with its occurrence count, the sole input to
// BuildHuffman.
type Frequency struct {
	Label int
	Value int
}

type huffmanEntry struct {
	node int32
	freq int
}

// BuildHuffman merges the arity smallest-frequency nodes under a new
// parent, repeatedly, until one root remains.
func BuildHuffman(freqs []Frequency, arity int) *Tree {
	t := newTree()
	t.K = len(freqs)

	entries := make([]huffmanEntry, 0, len(freqs))
	for _, f := range freqs {
		idx := t.newNode(NoParent, int32(f.Label))
		entries = append(entries, huffmanEntry{node: idx, freq: f.Value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].freq < entries[j].freq })

	for len(entries) > 1 {
		n := arity
		if n > len(entries) {
			n = len(entries)
		}
		toMerge := entries[:n]
		entries = entries[n:]

		parent := t.newNode(NoParent, NoLabel)
		total := 0
		for _, e := range toMerge {
			t.Nodes[e.node].Parent = parent
			t.Nodes[parent].Children = append(t.Nodes[parent].Children, e.node)
			total += e.freq
		}
		entries = append(entries, huffmanEntry{node: parent, freq: total})
		sort.Slice(entries, func(i, j int) bool { return entries[i].freq < entries[j].freq })
	}

	if len(entries) == 1 {
		t.Root = entries[0].node
	}
	t.T = len(t.Nodes)
	return t
}

// Assignation pairs a row index into a label-feature matrix with the
// cluster it currently belongs to.
type Assignation struct {
	Index int
	Value int
}

// KMeansConfig carries the hierarchical k-means construction parameters.
type KMeansConfig struct {
	Arity     int
	MaxLeaves int
	Eps       float64
	Balanced  bool
	Threads   int
	Seed      int64
}

type kMeansTask struct {
	node      int32
	partition []Assignation
	seed      int64
}

// BuildKMeans partitions [0,k) via hierarchical balanced cosine k-means
// over labelFeatures (rows already L2-normalized for cosine geometry).
// When Threads > 1, sibling subtrees are clustered on a worker pool; the
// main goroutine drains completed tasks in submission order and is the
// sole advancer of the seed generator, so tree shape stays deterministic
// under a fixed seed regardless of scheduling.
func BuildKMeans(labelFeatures *mat64.Dense, cfg KMeansConfig) *Tree {
	rows, _ := labelFeatures.Dims()
	if rows == 1 {
		return singleLeafTree()
	}

	t := newTree()
	t.K = rows

	t.Root = t.newNode(NoParent, NoLabel)

	seeder := rand.New(rand.NewSource(cfg.Seed))
	initial := make([]Assignation, rows)
	for i := range initial {
		initial[i].Index = i
	}

	if cfg.Threads > 1 {
		buildKMeansParallel(t, labelFeatures, cfg, seeder, initial)
	} else {
		buildKMeansSequential(t, labelFeatures, cfg, seeder, initial)
	}

	t.T = len(t.Nodes)
	return t
}

func buildKMeansSequential(t *Tree, lf *mat64.Dense, cfg KMeansConfig, seeder *rand.Rand, initial []Assignation) {
	queue := []kMeansTask{{node: t.Root, partition: initial}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if len(cur.partition) > cfg.MaxLeaves {
			seed := seeder.Int63()
			parts := kMeansPartition(cur.partition, lf, cfg.Arity, cfg.Eps, cfg.Balanced, rand.New(rand.NewSource(seed)))
			for _, p := range parts {
				if len(p) == 0 {
					continue
				}
				child := t.newNode(cur.node, NoLabel)
				queue = append(queue, kMeansTask{node: child, partition: p})
			}
		} else {
			for _, a := range cur.partition {
				t.newNode(cur.node, int32(a.Index))
			}
		}
	}
}

func buildKMeansParallel(t *Tree, lf *mat64.Dense, cfg KMeansConfig, seeder *rand.Rand, initial []Assignation) {
	type result struct {
		task kMeansTask
		out  [][]Assignation
	}

	pending := []kMeansTask{{node: t.Root, partition: initial, seed: seeder.Int63()}}
	for len(pending) > 0 {
		results := make([]result, len(pending))
		var wg sync.WaitGroup
		sem := make(chan struct{}, cfg.Threads)
		for i, task := range pending {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, task kMeansTask) {
				defer wg.Done()
				defer func() { <-sem }()
				parts := kMeansPartition(task.partition, lf, cfg.Arity, cfg.Eps, cfg.Balanced, rand.New(rand.NewSource(task.seed)))
				results[i] = result{task: task, out: parts}
			}(i, task)
		}
		wg.Wait()

		// Drain in submission order: only this loop (the main goroutine)
		// advances seeder, keeping tree shape independent of scheduling.
		var next []kMeansTask
		for _, r := range results {
			for _, p := range r.out {
				if len(p) == 0 {
					continue
				}
				child := t.newNode(r.task.node, NoLabel)
				if len(p) > cfg.MaxLeaves {
					next = append(next, kMeansTask{node: child, partition: p, seed: seeder.Int63()})
				} else {
					for _, a := range p {
						t.newNode(child, int32(a.Index))
					}
				}
			}
		}
		pending = next
	}
}

// kMeansPartition runs balanced cosine k-means over the rows named by
// partition, returning arity groups of Assignation. Stopping criterion:
// newMeanCos - oldMeanCos < eps.
func kMeansPartition(partition []Assignation, lf *mat64.Dense, arity int, eps float64, balanced bool, rng *rand.Rand) [][]Assignation {
	n := len(partition)
	if n <= arity {
		out := make([][]Assignation, arity)
		for i, a := range partition {
			out[i%arity] = append(out[i%arity], a)
		}
		return out
	}

	_, dim := lf.Dims()
	maxPartitionSize := n - arity
	maxWithOneMore := 0
	if balanced {
		maxPartitionSize = n / arity
		maxWithOneMore = n % arity
	}

	centroids := seedCentroids(partition, lf, arity, dim, rng)
	assign := make([]int, n)

	oldCos := math.Inf(-1)
	newCos := -1.0

	for newCos-oldCos >= eps {
		oldCos = newCos

		if arity == 2 {
			newCos = assignTwoWay(partition, lf, centroids, assign, balanced, maxPartitionSize)
		} else {
			newCos = assignGreedy(partition, lf, centroids, assign, arity, maxPartitionSize, maxWithOneMore)
		}
		newCos /= float64(n)

		recomputeCentroids(partition, lf, assign, centroids, arity, dim)
	}

	out := make([][]Assignation, arity)
	for i, a := range partition {
		out[assign[i]] = append(out[assign[i]], a)
	}
	return out
}

func seedCentroids(partition []Assignation, lf *mat64.Dense, arity, dim int, rng *rand.Rand) [][]float64 {
	perm := rng.Perm(len(partition))
	centroids := make([][]float64, arity)
	for c := 0; c < arity; c++ {
		row := lf.RawRowView(partition[perm[c]].Index)
		centroids[c] = append([]float64(nil), row...)
	}
	return centroids
}

func dotVec(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func assignTwoWay(partition []Assignation, lf *mat64.Dense, centroids [][]float64, assign []int, balanced bool, maxPartitionSize int) float64 {
	type sim struct {
		idx        int
		margin     float64
		s0, s1     float64
	}
	n := len(partition)
	sims := make([]sim, n)
	for i, a := range partition {
		row := lf.RawRowView(a.Index)
		s0 := dotVec(row, centroids[0])
		s1 := dotVec(row, centroids[1])
		sims[i] = sim{idx: i, margin: s0 - s1, s0: s0, s1: s1}
	}
	sort.Slice(sims, func(i, j int) bool { return sims[i].margin < sims[j].margin })

	var total float64
	for rank, s := range sims {
		c := 0
		if balanced {
			if rank < maxPartitionSize {
				c = 1
			}
		} else if s.margin <= 0 {
			c = 1
		}
		assign[s.idx] = c
		if c == 0 {
			total += s.s0
		} else {
			total += s.s1
		}
	}
	return total
}

func assignGreedy(partition []Assignation, lf *mat64.Dense, centroids [][]float64, assign []int, arity, maxPartitionSize, maxWithOneMore int) float64 {
	n := len(partition)
	type simRow struct {
		idx    int
		order  []int
		vals   []float64
		margin float64
	}
	sims := make([]simRow, n)
	for i, a := range partition {
		row := lf.RawRowView(a.Index)
		vals := make([]float64, arity)
		order := make([]int, arity)
		for c := 0; c < arity; c++ {
			vals[c] = dotVec(row, centroids[c])
			order[c] = c
		}
		sort.Slice(order, func(x, y int) bool { return vals[order[x]] > vals[order[y]] })
		margin := vals[order[0]]
		if arity > 1 {
			margin -= vals[order[1]]
		}
		sims[i] = simRow{idx: i, order: order, vals: vals, margin: margin}
	}
	sort.Slice(sims, func(i, j int) bool { return sims[i].margin > sims[j].margin })

	sizes := make([]int, arity)
	remaining := maxWithOneMore
	var total float64
	for _, s := range sims {
		placed := false
		for _, c := range s.order {
			capacity := maxPartitionSize
			if sizes[c] < capacity || (sizes[c] < capacity+1 && remaining > 0) {
				if sizes[c] == capacity {
					remaining--
				}
				assign[s.idx] = c
				sizes[c]++
				total += s.vals[c]
				placed = true
				break
			}
		}
		if !placed {
			c := 0
			for i := 1; i < arity; i++ {
				if sizes[i] < sizes[c] {
					c = i
				}
			}
			assign[s.idx] = c
			sizes[c]++
			total += s.vals[c]
		}
	}
	return total
}

func recomputeCentroids(partition []Assignation, lf *mat64.Dense, assign []int, centroids [][]float64, arity, dim int) {
	for c := range centroids {
		for j := range centroids[c] {
			centroids[c][j] = 0
		}
	}
	for i, a := range partition {
		c := assign[i]
		row := lf.RawRowView(a.Index)
		for j := 0; j < dim; j++ {
			centroids[c][j] += row[j]
		}
	}
	for c := range centroids {
		var norm float64
		for _, v := range centroids[c] {
			norm += v * v
		}
		if norm == 0 {
			continue
		}
		normSqrt := math.Sqrt(norm)
		for j := range centroids[c] {
			centroids[c][j] /= normSqrt
		}
	}
}

// LoadCustom reads a tree definition whose header is "k t" and whose
// body has one edge per line "parent_index child_index [label]", -1
// marking the root's parent.
func LoadCustom(r io.Reader) (*Tree, error) {
	t := newTree()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	if !scanner.Scan() {
		return nil, fmt.Errorf("tree: empty custom tree file")
	}
	header := strings.Fields(scanner.Text())
	if len(header) < 2 {
		return nil, fmt.Errorf("tree: malformed header %q", scanner.Text())
	}
	k, err := strconv.Atoi(header[0])
	if err != nil {
		return nil, fmt.Errorf("tree: bad k in header: %w", err)
	}
	total, err := strconv.Atoi(header[1])
	if err != nil {
		return nil, fmt.Errorf("tree: bad t in header: %w", err)
	}
	t.K, t.T = k, total

	t.Nodes = make([]*Node, total)
	for i := 0; i < total; i++ {
		t.Nodes[i] = &Node{Index: int32(i), Label: NoLabel, Parent: NoParent}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("tree: malformed edge line %q", line)
		}
		parent, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("tree: bad parent in %q: %w", line, err)
		}
		child, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("tree: bad child in %q: %w", line, err)
		}
		label := -1
		if len(fields) >= 3 {
			label, err = strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("tree: bad label in %q: %w", line, err)
			}
		}

		if child < 0 || child >= total {
			return nil, fmt.Errorf("tree: child index %d out of range [0,%d)", child, total)
		}
		if label >= k {
			return nil, fmt.Errorf("tree: label index %d out of range [0,%d)", label, k)
		}

		if parent == -1 {
			t.Root = int32(child)
			continue
		}
		if parent < 0 || parent >= total {
			return nil, fmt.Errorf("tree: parent index %d out of range [0,%d)", parent, total)
		}

		t.Nodes[parent].Children = append(t.Nodes[parent].Children, int32(child))
		t.Nodes[child].Parent = int32(parent)
		if label >= 0 {
			t.Nodes[child].Label = int32(label)
			t.Leaves[int32(label)] = int32(child)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, n := range t.Nodes {
		if n.Parent == NoParent && n.Index != t.Root {
			return nil, fmt.Errorf("tree: node %d has no parent and is not the root", n.Index)
		}
		if !n.IsLeaf() && len(n.Children) == 0 {
			return nil, fmt.Errorf("tree: internal node %d has no children", n.Index)
		}
	}

	return t, nil
}

// SaveText writes the tree as a header line "k t" followed by one edge
// per line: "parent child label", -1 marking the root and non-leaves.
func (t *Tree) SaveText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d %d\n", t.K, t.T); err != nil {
		return err
	}
	for _, n := range t.Nodes {
		parent := n.Parent
		if _, err := fmt.Fprintf(bw, "%d %d %d\n", parent, n.Index, n.Label); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// LoadText is the inverse of SaveText.
func LoadText(r io.Reader) (*Tree, error) {
	return LoadCustom(r)
}

// Save writes the tree in binary: k, t, then per node {index, label,
// parentIndex}, then the root index.
func (t *Tree) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, int32(t.K)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, int32(t.T)); err != nil {
		return err
	}
	for _, n := range t.Nodes {
		if err := binary.Write(bw, binary.LittleEndian, n.Index); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, n.Label); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, n.Parent); err != nil {
			return err
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, t.Root); err != nil {
		return err
	}
	return bw.Flush()
}

// Load reads a tree written by Save.
func Load(r io.Reader) (*Tree, error) {
	t := newTree()
	br := bufio.NewReader(r)

	var k, total int32
	if err := binary.Read(br, binary.LittleEndian, &k); err != nil {
		return nil, err
	}
	if err := binary.Read(br, binary.LittleEndian, &total); err != nil {
		return nil, err
	}
	t.K, t.T = int(k), int(total)
	t.Nodes = make([]*Node, total)

	for i := int32(0); i < total; i++ {
		n := &Node{}
		if err := binary.Read(br, binary.LittleEndian, &n.Index); err != nil {
			return nil, err
		}
		if err := binary.Read(br, binary.LittleEndian, &n.Label); err != nil {
			return nil, err
		}
		if err := binary.Read(br, binary.LittleEndian, &n.Parent); err != nil {
			return nil, err
		}
		t.Nodes[i] = n
		if n.Label != NoLabel {
			t.Leaves[n.Label] = n.Index
		}
	}
	if err := binary.Read(br, binary.LittleEndian, &t.Root); err != nil {
		return nil, err
	}
	for _, n := range t.Nodes {
		if n.Parent != NoParent {
			t.Nodes[n.Parent].Children = append(t.Nodes[n.Parent].Children, n.Index)
		}
	}
	return t, nil
}

// PathToRoot returns node indices from leaf up to and including the root.
func (t *Tree) PathToRoot(node int32) []int32 {
	var path []int32
	for n := node; ; {
		path = append(path, n)
		if n == t.Root {
			break
		}
		n = t.Nodes[n].Parent
	}
	return path
}
