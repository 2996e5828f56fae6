// Package data implements the libsvm reader/writer and the model
// directory persistence glue: args.bin, data_reader.bin, and the
// directory layout tying those together with the tree/weights files
// internal/plt and internal/ensemble already know how to read and write.
package data

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chenhao392/extremeplt/internal/pltargs"
	"github.com/chenhao392/extremeplt/internal/srm"
)

// Header carries an optional libsvm input's leading "N D K" line: the
// declared row count, 1-based feature count, and label count. When
// present, every parsed row is validated against it.
type Header struct {
	Rows     int
	Features int
	Labels   int
}

// ReadLibsvm parses a libsvm-format stream: an optional "N D K" header
// line, then one line per example of "l1,l2,...,lm feat:val feat:val ...".
// Feature indices are 1-based in the input; they are shifted to 2-based
// internally (slot 0 unused, slot 1 reserved for the bias feature added
// later by Reader.Apply).
func ReadLibsvm(r io.Reader, hasHeader bool) (*srm.Matrix[srm.Feature], *srm.Matrix[srm.Label], *Header, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var hdr *Header
	if hasHeader {
		if !sc.Scan() {
			return nil, nil, nil, fmt.Errorf("data: missing header line")
		}
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			return nil, nil, nil, fmt.Errorf("data: malformed header line %q", sc.Text())
		}
		n, err1 := strconv.Atoi(fields[0])
		d, err2 := strconv.Atoi(fields[1])
		k, err3 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, nil, nil, fmt.Errorf("data: malformed header line %q", sc.Text())
		}
		hdr = &Header{Rows: n, Features: d, Labels: k}
	}

	X := srm.NewFeatureMatrix()
	Y := srm.NewLabelMatrix()

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		row := X.Rows()

		var labels []srm.Label
		for _, ls := range strings.Split(fields[0], ",") {
			if ls == "" {
				continue
			}
			l, err := strconv.Atoi(ls)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("data: malformed label %q on row %d", ls, row)
			}
			if hdr != nil && (l < 0 || l >= hdr.Labels) {
				return nil, nil, nil, fmt.Errorf("data: label %d out of declared range [0,%d) on row %d", l, hdr.Labels, row)
			}
			labels = append(labels, srm.Label(l))
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

		feats := make([]srm.Feature, 0, len(fields)-1)
		for _, fv := range fields[1:] {
			sep := strings.IndexByte(fv, ':')
			if sep < 0 {
				return nil, nil, nil, fmt.Errorf("data: malformed feature pair %q on row %d", fv, row)
			}
			fi, err1 := strconv.Atoi(fv[:sep])
			val, err2 := strconv.ParseFloat(fv[sep+1:], 32)
			if err1 != nil || err2 != nil {
				return nil, nil, nil, fmt.Errorf("data: malformed feature pair %q on row %d", fv, row)
			}
			if hdr != nil && (fi < 1 || fi > hdr.Features) {
				return nil, nil, nil, fmt.Errorf("data: feature index %d out of declared range [1,%d] on row %d", fi, hdr.Features, row)
			}
			feats = append(feats, srm.Feature{Index: int32(fi) + 1, Value: float32(val)})
		}
		sort.Slice(feats, func(i, j int) bool { return feats[i].Index < feats[j].Index })

		X.AppendRow(feats)
		Y.AppendRow(labels)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("data: reading libsvm input: %w", err)
	}
	if hdr != nil && X.Rows() != hdr.Rows {
		return nil, nil, nil, fmt.Errorf("data: header declared %d rows, read %d", hdr.Rows, X.Rows())
	}
	return X, Y, hdr, nil
}

// WriteLibsvm writes X/Y back out in the same format ReadLibsvm parses,
// shifting feature indices back down to 1-based. numLabels is the
// declared K written into the header when writeHeader is set.
func WriteLibsvm(w io.Writer, X *srm.Matrix[srm.Feature], Y *srm.Matrix[srm.Label], writeHeader bool, numLabels int) error {
	bw := bufio.NewWriter(w)
	if writeHeader {
		features := X.Cols() - 2
		if features < 0 {
			features = 0
		}
		if _, err := fmt.Fprintf(bw, "%d %d %d\n", X.Rows(), features, numLabels); err != nil {
			return err
		}
	}
	for i := 0; i < X.Rows(); i++ {
		labels := Y.RowEntries(i)
		parts := make([]string, len(labels))
		for j, l := range labels {
			parts[j] = strconv.Itoa(int(l))
		}
		if _, err := bw.WriteString(strings.Join(parts, ",")); err != nil {
			return err
		}
		for _, f := range X.RowEntries(i) {
			if _, err := fmt.Fprintf(bw, " %d:%s", f.Index-1, strconv.FormatFloat(float64(f.Value), 'g', -1, 32)); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Reader applies the per-row preprocessing a trained model expects at
// both train and predict time — optional feature hashing, optional L2
// normalization, and an optional bias slot — and persists just enough of
// that state (data_reader.bin) to reapply an identical transform later
// without depending on the rest of args.bin.
type Reader struct {
	Bias              float64 // 0 disables the bias slot
	Norm              bool
	Hash              int     // 0 disables hashing; otherwise the hash space size
	FeaturesThreshold float64 // 0 disables; features at or below this magnitude are dropped
}

// NewReader builds a Reader from the feature/weight processing options
// of a parsed Args.
func NewReader(a *pltargs.Args) *Reader {
	return &Reader{Bias: a.Bias, Norm: a.Norm, Hash: a.Hash, FeaturesThreshold: a.FeaturesThreshold}
}

// Apply hashes (if configured), drops low-magnitude features (if
// configured), L2-normalizes (if configured), and adds a bias feature
// (if configured) to one already-index-shifted row, returning the
// transformed row. Without hashing, thresholding and normalization work
// in place on the input row's backing array, so the input row may be
// changed; callers should not depend on its contents afterwards.
func (r *Reader) Apply(row []srm.Feature) []srm.Feature {
	out := row
	if r.Hash > 0 {
		out = r.hashRow(row)
	}
	if r.FeaturesThreshold > 0 {
		out = dropSmallFeatures(out, r.FeaturesThreshold)
	}
	if r.Norm {
		normalizeRow(out)
	}
	if r.Bias != 0 {
		withBias := make([]srm.Feature, 0, len(out)+1)
		withBias = append(withBias, srm.Feature{Index: 1, Value: float32(r.Bias)})
		withBias = append(withBias, out...)
		out = withBias
	}
	return out
}

// dropSmallFeatures removes entries whose magnitude is at or below
// threshold, the pre-fit counterpart to base.Model.Prune's post-fit
// weight pruning.
func dropSmallFeatures(row []srm.Feature, threshold float64) []srm.Feature {
	out := row[:0]
	for _, f := range row {
		if math.Abs(float64(f.Value)) > threshold {
			out = append(out, f)
		}
	}
	return out
}

// hashRow folds every feature index into one of r.Hash buckets via FNV-1a,
// summing collisions, the standard feature-hashing trick for bounding
// dimensionality regardless of the input's true feature space size.
func (r *Reader) hashRow(row []srm.Feature) []srm.Feature {
	buckets := make(map[int32]float32, len(row))
	for _, f := range row {
		h := fnv1a32(uint32(f.Index)) % uint32(r.Hash)
		buckets[int32(h)+2] += f.Value
	}
	out := make([]srm.Feature, 0, len(buckets))
	for idx, val := range buckets {
		out = append(out, srm.Feature{Index: idx, Value: val})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func fnv1a32(x uint32) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for i := 0; i < 4; i++ {
		h ^= (x >> uint(8*i)) & 0xff
		h *= prime
	}
	return h
}

func normalizeRow(row []srm.Feature) {
	var sumSq float64
	for _, f := range row {
		sumSq += float64(f.Value) * float64(f.Value)
	}
	if sumSq == 0 {
		return
	}
	scale := float32(1.0 / math.Sqrt(sumSq))
	for i := range row {
		row[i].Value *= scale
	}
}

const readerStateSize = 28

// Save writes the reader's state (data_reader.bin).
func (r *Reader) Save(w io.Writer) error {
	var buf [readerStateSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(r.Bias))
	if r.Norm {
		buf[8] = 1
	}
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.Hash))
	binary.LittleEndian.PutUint64(buf[20:28], math.Float64bits(r.FeaturesThreshold))
	_, err := w.Write(buf[:])
	return err
}

// LoadReader reads back a Reader's state.
func LoadReader(r io.Reader) (*Reader, error) {
	var buf [readerStateSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("data: reading data_reader.bin: %w", err)
	}
	return &Reader{
		Bias:              math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8])),
		Norm:              buf[8] != 0,
		Hash:              int(binary.LittleEndian.Uint32(buf[16:20])),
		FeaturesThreshold: math.Float64frombits(binary.LittleEndian.Uint64(buf[20:28])),
	}, nil
}

// SaveArgs gob-encodes the runtime configuration to args.bin.
func SaveArgs(w io.Writer, a *pltargs.Args) error {
	return gob.NewEncoder(w).Encode(a)
}

// LoadArgs decodes a previously saved args.bin.
func LoadArgs(r io.Reader) (*pltargs.Args, error) {
	var a pltargs.Args
	if err := gob.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("data: reading args.bin: %w", err)
	}
	return &a, nil
}

// SaveArgsFile and SaveReaderFile are thin os.Create wrappers so the
// train subcommand's glue code reads as a flat sequence of "write this
// file" calls instead of manual os.Create/defer Close pairs at every
// call site — the same convenience the teacher's io_utils.go provides
// over raw file handles.
func SaveArgsFile(dir string, a *pltargs.Args) error {
	f, err := os.Create(filepath.Join(dir, "args.bin"))
	if err != nil {
		return err
	}
	defer f.Close()
	return SaveArgs(f, a)
}

func LoadArgsFile(dir string) (*pltargs.Args, error) {
	f, err := os.Open(filepath.Join(dir, "args.bin"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadArgs(f)
}

func SaveReaderFile(dir string, r *Reader) error {
	f, err := os.Create(filepath.Join(dir, "data_reader.bin"))
	if err != nil {
		return err
	}
	defer f.Close()
	return r.Save(f)
}

func LoadReaderFile(dir string) (*Reader, error) {
	f, err := os.Open(filepath.Join(dir, "data_reader.bin"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadReader(f)
}
