package tree

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/gonum/matrix/mat64"
)

func TestBuildCompleteTinyTree(t *testing.T) {
	tr := BuildComplete(4, 2, false, rand.New(rand.NewSource(1)))

	if tr.T != 7 {
		t.Fatalf("T = %d, want 7", tr.T)
	}
	wantParents := []int32{NoParent, 0, 0, 1, 1, 2, 2}
	for i, want := range wantParents {
		if tr.Nodes[i].Parent != want {
			t.Fatalf("node %d parent = %d, want %d", i, tr.Nodes[i].Parent, want)
		}
	}
	for i, leafIdx := range []int32{3, 4, 5, 6} {
		n := tr.Nodes[leafIdx]
		if n.Label != int32(i) {
			t.Fatalf("leaf %d label = %d, want %d", leafIdx, n.Label, i)
		}
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestBuildCompleteFormula(t *testing.T) {
	for _, tc := range []struct{ k, arity int }{{4, 2}, {10, 3}, {100, 4}, {7, 2}} {
		tr := BuildComplete(tc.k, tc.arity, false, rand.New(rand.NewSource(1)))
		want := int((tc.arity*tc.k - 1 + tc.arity - 2) / (tc.arity - 1))
		if tr.T != want {
			t.Fatalf("k=%d arity=%d node count = %d, want %d", tc.k, tc.arity, tr.T, want)
		}
		for i := 1; i < tr.T; i++ {
			wantParent := int32((i - 1) / tc.arity)
			if tr.Nodes[i].Parent != wantParent {
				t.Fatalf("k=%d arity=%d node %d parent = %d, want %d", tc.k, tc.arity, i, tr.Nodes[i].Parent, wantParent)
			}
		}
		if err := tr.Validate(); err != nil {
			t.Fatalf("k=%d arity=%d Validate: %v", tc.k, tc.arity, err)
		}
	}
}

func depthOf(tr *Tree, node int32) int {
	d := 0
	for node != tr.Root {
		node = tr.Nodes[node].Parent
		d++
	}
	return d
}

func TestBuildHuffmanUnevenFrequencies(t *testing.T) {
	freqs := []Frequency{{Label: 0, Value: 1}, {Label: 1, Value: 1}, {Label: 2, Value: 2}, {Label: 3, Value: 4}}
	tr := BuildHuffman(freqs, 2)

	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	wantDepth := map[int]int{0: 3, 1: 3, 2: 2, 3: 1}
	for label, want := range wantDepth {
		leaf := tr.Leaves[int32(label)]
		if got := depthOf(tr, leaf); got != want {
			t.Fatalf("label %d depth = %d, want %d", label, got, want)
		}
	}
}

func TestBuildBalancedSiblingSizesDifferByAtMostOne(t *testing.T) {
	tr := BuildBalanced(17, 3, false, rand.New(rand.NewSource(2)))
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	for _, n := range tr.Nodes {
		if len(n.Children) == 0 {
			continue
		}
		sizes := make([]int, 0, len(n.Children))
		for _, c := range n.Children {
			sizes = append(sizes, tr.NumberOfLeaves(c))
		}
		min, max := sizes[0], sizes[0]
		for _, s := range sizes {
			if s < min {
				min = s
			}
			if s > max {
				max = s
			}
		}
		if max-min > 1 {
			t.Fatalf("node %d children leaf counts %v differ by more than 1", n.Index, sizes)
		}
	}
}

func TestBuildKMeansTwoWaySplit(t *testing.T) {
	// Two obvious clusters at (1,0) and (0,1).
	lf := mat64.NewDense(8, 2, nil)
	for i := 0; i < 4; i++ {
		lf.Set(i, 0, 1)
		lf.Set(i, 1, 0)
	}
	for i := 4; i < 8; i++ {
		lf.Set(i, 0, 0)
		lf.Set(i, 1, 1)
	}

	tr := BuildKMeans(lf, KMeansConfig{Arity: 2, MaxLeaves: 1, Eps: 1e-9, Balanced: true, Threads: 1, Seed: 42})
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	root := tr.Nodes[tr.Root]
	if len(root.Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(root.Children))
	}
	for _, c := range root.Children {
		leaves := map[int32]bool{}
		var collect func(idx int32)
		collect = func(idx int32) {
			n := tr.Nodes[idx]
			if n.IsLeaf() {
				leaves[n.Label] = true
				return
			}
			for _, cc := range n.Children {
				collect(cc)
			}
		}
		collect(c)
		allLow := true
		allHigh := true
		for l := range leaves {
			if l < 4 {
				allHigh = false
			} else {
				allLow = false
			}
		}
		if !allLow && !allHigh {
			t.Fatalf("child %d mixes clusters: %v", c, leaves)
		}
	}
}

func TestSaveLoadTextRoundTrip(t *testing.T) {
	tr := BuildComplete(4, 2, false, rand.New(rand.NewSource(1)))

	var buf bytes.Buffer
	if err := tr.SaveText(&buf); err != nil {
		t.Fatalf("SaveText: %v", err)
	}

	loaded, err := LoadText(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("LoadText: %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Fatalf("Validate loaded: %v", err)
	}
	if loaded.K != tr.K || loaded.T != tr.T {
		t.Fatalf("loaded k/t = %d/%d, want %d/%d", loaded.K, loaded.T, tr.K, tr.T)
	}
}

func TestSaveLoadBinaryRoundTrip(t *testing.T) {
	tr := BuildBalanced(9, 3, true, rand.New(rand.NewSource(7)))

	var buf bytes.Buffer
	if err := tr.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for label, idx := range tr.Leaves {
		if loaded.Leaves[label] != idx {
			t.Fatalf("label %d leaf idx = %d, want %d", label, loaded.Leaves[label], idx)
		}
	}
}

func TestPropagateThresholdsIsAdmissible(t *testing.T) {
	tr := BuildComplete(4, 2, false, rand.New(rand.NewSource(1)))
	tr.Nodes[3].Threshold = 0.1
	tr.Nodes[4].Threshold = 0.9
	tr.Nodes[5].Threshold = 0.2
	tr.Nodes[6].Threshold = 0.3
	tr.PropagateThresholds()

	var check func(idx int32) float32
	check = func(idx int32) float32 {
		n := tr.Nodes[idx]
		if n.IsLeaf() {
			return n.Threshold
		}
		min := float32(2)
		for _, c := range n.Children {
			v := check(c)
			if v < min {
				min = v
			}
		}
		if n.Threshold > min {
			t.Fatalf("node %d threshold %v > descendant min %v", idx, n.Threshold, min)
		}
		return min
	}
	check(tr.Root)
}

func TestKOneSingleLeaf(t *testing.T) {
	tr := BuildComplete(1, 2, false, rand.New(rand.NewSource(1)))
	if tr.T != 1 {
		t.Fatalf("T = %d, want 1", tr.T)
	}
	if tr.Nodes[0].Label != 0 {
		t.Fatalf("single node label = %d, want 0", tr.Nodes[0].Label)
	}
}

func TestLoadCustomRejectsOutOfRangeLabel(t *testing.T) {
	input := "2 3\n-1 0\n0 1 0\n0 2 5\n"
	_, err := LoadCustom(strings.NewReader(input))
	if err == nil {
		t.Fatalf("expected error for out-of-range label")
	}
}
