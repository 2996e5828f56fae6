// Package ensemble trains and queries a set of independently trained PLT
// models, averaging their per-label scores the way a bagged classifier
// would. Each member lives in its own "member_i" subdirectory under a base
// directory so members can be trained, persisted, and discarded one at a
// time rather than all held in memory at once.
package ensemble

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/wangjohn/quickselect"

	"github.com/chenhao392/extremeplt/internal/plt"
	"github.com/chenhao392/extremeplt/internal/srm"
	"github.com/chenhao392/extremeplt/internal/tree"
)

func memberDir(baseDir string, i int) string {
	return filepath.Join(baseDir, fmt.Sprintf("member_%d", i))
}

// TrainConfig carries everything Train needs beyond the tree factory: how
// many members to build, the base random seed each member's own seed is
// derived from, and the PLT trainer configuration shared by every member.
type TrainConfig struct {
	N     int
	Seed  int64
	PLT   plt.TrainConfig
}

// Train builds cfg.N independently trained PLT models. buildTree is called
// once per member with a seed derived from cfg.Seed, and must return a
// fresh tree for that member to train against (the caller owns which
// construction strategy that is — complete, balanced, Huffman, k-means, or
// a loaded custom tree). Each member is saved to its own subdirectory under
// baseDir and discarded before the next member is built, so only one
// member's weights are resident at a time.
func Train(baseDir string, cfg TrainConfig, buildTree func(memberSeed int64) *tree.Tree, X *srm.Matrix[srm.Feature], Y *srm.Matrix[srm.Label]) error {
	if cfg.N <= 0 {
		return fmt.Errorf("ensemble: N must be positive, got %d", cfg.N)
	}

	for i := 0; i < cfg.N; i++ {
		memberSeed := cfg.Seed + int64(i)*2654435761

		dir := memberDir(baseDir, i)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensemble: creating member %d directory: %w", i, err)
		}

		t := buildTree(memberSeed)
		model, err := plt.Train(t, X, Y, cfg.PLT)
		if err != nil {
			return fmt.Errorf("ensemble: training member %d: %w", i, err)
		}

		if err := saveMember(dir, model); err != nil {
			return fmt.Errorf("ensemble: saving member %d: %w", i, err)
		}
	}
	return nil
}

func saveMember(dir string, m *plt.Model) error {
	treeF, err := os.Create(filepath.Join(dir, "tree.bin"))
	if err != nil {
		return err
	}
	defer treeF.Close()

	weightsF, err := os.Create(filepath.Join(dir, "weights.bin"))
	if err != nil {
		return err
	}
	defer weightsF.Close()

	return m.Save(treeF, weightsF)
}

func loadMember(dir string) (*plt.Model, error) {
	treeF, err := os.Open(filepath.Join(dir, "tree.bin"))
	if err != nil {
		return nil, err
	}
	defer treeF.Close()

	weightsF, err := os.Open(filepath.Join(dir, "weights.bin"))
	if err != nil {
		return nil, err
	}
	defer weightsF.Close()

	return plt.Load(treeF, weightsF)
}

// Ensemble queries a trained set of members, either keeping all of them
// resident (the default) or loading one member directory at a time
// ("on-the-trot" mode, for member sets too large to fit in memory
// together).
type Ensemble struct {
	Dir           string
	N             int
	OnTheTrot     bool
	MissingScores bool

	// Members holds resident models when OnTheTrot is false. Nil otherwise.
	Members []*plt.Model
}

// Load opens an ensemble previously written by Train. When onTheTrot is
// false every member is loaded up front and kept resident; when true,
// members are loaded lazily, one at a time, by Predict and PredictBatch.
func Load(dir string, n int, onTheTrot, missingScores bool) (*Ensemble, error) {
	e := &Ensemble{Dir: dir, N: n, OnTheTrot: onTheTrot, MissingScores: missingScores}
	if onTheTrot {
		return e, nil
	}

	e.Members = make([]*plt.Model, n)
	for i := 0; i < n; i++ {
		m, err := loadMember(memberDir(dir, i))
		if err != nil {
			return nil, fmt.Errorf("ensemble: loading member %d: %w", i, err)
		}
		e.Members[i] = m
	}
	return e, nil
}

func (e *Ensemble) member(i int) (*plt.Model, error) {
	if !e.OnTheTrot {
		return e.Members[i], nil
	}
	return loadMember(memberDir(e.Dir, i))
}

// accumEntry tracks one label's running sum across whichever members have
// surfaced it so far, and which member indices those were (so a later
// missing-score backfill pass knows which members still need to be asked).
type accumEntry struct {
	label   int32
	sum     float64
	members map[int]bool
}

func newAccum() map[int32]*accumEntry { return make(map[int32]*accumEntry) }

func accumulate(acc map[int32]*accumEntry, memberNo int, preds []plt.Prediction) {
	for _, p := range preds {
		entry, ok := acc[p.Label]
		if !ok {
			entry = &accumEntry{label: p.Label, members: make(map[int]bool)}
			acc[p.Label] = entry
		}
		entry.sum += p.Score
		entry.members[memberNo] = true
	}
}

func finalize(acc map[int32]*accumEntry, n, topK int) []plt.Prediction {
	out := make([]plt.Prediction, 0, len(acc))
	for _, entry := range acc {
		out = append(out, plt.Prediction{Label: entry.label, Score: entry.sum / float64(n)})
	}
	return truncateTopK(out, topK)
}

type byScoreDesc []plt.Prediction

func (s byScoreDesc) Len() int           { return len(s) }
func (s byScoreDesc) Less(i, j int) bool { return s[i].Score > s[j].Score || (s[i].Score == s[j].Score && s[i].Label < s[j].Label) }
func (s byScoreDesc) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// truncateTopK keeps the k highest-scoring predictions, in descending
// order. It uses a quickselect partition to find the cut point in roughly
// linear time before paying for a full sort of just the kept slice, rather
// than sorting the entire candidate set when k is small relative to it.
func truncateTopK(preds []plt.Prediction, k int) []plt.Prediction {
	if k <= 0 || k >= len(preds) {
		sort.Sort(byScoreDesc(preds))
		return preds
	}
	if err := quickselect.QuickSelect(byScoreDesc(preds), k); err == nil {
		preds = preds[:k]
	} else {
		sort.Sort(byScoreDesc(preds))
		return preds[:k]
	}
	sort.Sort(byScoreDesc(preds))
	return preds
}

// Predict scores x against every member and returns the mean score per
// label, sorted descending and cut to cfg.TopK (if set). Each member is
// queried with cfg directly, matching the original per-member query mode
// (top-k, scalar threshold, or threshold vector) before the results are
// pooled.
func (e *Ensemble) Predict(x []srm.Feature, cfg plt.PredictConfig) ([]plt.Prediction, error) {
	acc := newAccum()
	for i := 0; i < e.N; i++ {
		member, err := e.member(i)
		if err != nil {
			return nil, fmt.Errorf("ensemble: member %d: %w", i, err)
		}
		accumulate(acc, i, member.Predict(x, cfg))
	}

	if e.MissingScores {
		if err := e.backfill(acc, x); err != nil {
			return nil, err
		}
	}

	return finalize(acc, e.N, cfg.TopK), nil
}

func (e *Ensemble) backfill(acc map[int32]*accumEntry, x []srm.Feature) error {
	for i := 0; i < e.N; i++ {
		member, err := e.member(i)
		if err != nil {
			return fmt.Errorf("ensemble: member %d: %w", i, err)
		}
		for _, entry := range acc {
			if !entry.members[i] {
				entry.sum += member.PredictForLabel(entry.label, x)
			}
		}
	}
	return nil
}

// PredictBatch scores every row of X against every member, one member at a
// time: it loads (or, when members are resident, simply reads) member i,
// scores every row with it, and only then moves to member i+1. This is the
// "on-the-trot" access pattern — at most one member's weights are resident
// at once when e.OnTheTrot is true — generalized to also serve the
// resident case, where member(i) is just a slice index instead of a load.
func (e *Ensemble) PredictBatch(X *srm.Matrix[srm.Feature], cfg plt.PredictConfig) ([][]plt.Prediction, error) {
	rows := X.Rows()
	accs := make([]map[int32]*accumEntry, rows)
	for i := range accs {
		accs[i] = newAccum()
	}

	for memberNo := 0; memberNo < e.N; memberNo++ {
		member, err := e.member(memberNo)
		if err != nil {
			return nil, fmt.Errorf("ensemble: member %d: %w", memberNo, err)
		}
		for i := 0; i < rows; i++ {
			accumulate(accs[i], memberNo, member.Predict(X.RowEntries(i), cfg))
		}
	}

	if e.MissingScores {
		for memberNo := 0; memberNo < e.N; memberNo++ {
			member, err := e.member(memberNo)
			if err != nil {
				return nil, fmt.Errorf("ensemble: member %d: %w", memberNo, err)
			}
			for i := 0; i < rows; i++ {
				x := X.RowEntries(i)
				for _, entry := range accs[i] {
					if !entry.members[memberNo] {
						entry.sum += member.PredictForLabel(entry.label, x)
					}
				}
			}
		}
	}

	results := make([][]plt.Prediction, rows)
	for i := 0; i < rows; i++ {
		results[i] = finalize(accs[i], e.N, cfg.TopK)
	}
	return results, nil
}

// PredictForLabel returns the mean of every member's own PredictForLabel
// for that label, the same averaging PredictBatch's backfill pass uses.
func (e *Ensemble) PredictForLabel(label int32, x []srm.Feature) (float64, error) {
	var sum float64
	for i := 0; i < e.N; i++ {
		member, err := e.member(i)
		if err != nil {
			return 0, fmt.Errorf("ensemble: member %d: %w", i, err)
		}
		sum += member.PredictForLabel(label, x)
	}
	return sum / float64(e.N), nil
}
