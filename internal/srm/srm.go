// Package srm implements the sparse row matrix used throughout the PLT
// pipeline: a row-major container whose rows are contiguous, index-sorted
// runs of entries terminated by a sentinel whose index is -1.
package srm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Entry is satisfied by every element type an SRM can hold: Feature for
// feature matrices, Label for label matrices.
type Entry interface {
	GetIndex() int32
}

// Feature is one (index, value) pair of a feature row. Index 0 is
// unused, index 1 is the bias slot, and real features start at index 2.
type Feature struct {
	Index int32
	Value float32
}

// GetIndex implements Entry.
func (f Feature) GetIndex() int32 { return f.Index }

// Label is a single label id stored as a row entry.
type Label int32

// GetIndex implements Entry.
func (l Label) GetIndex() int32 { return int32(l) }

const sentinelIndex = -1

func featureSentinel() Feature { return Feature{Index: sentinelIndex} }
func labelSentinel() Label     { return Label(sentinelIndex) }

// Matrix is a generic sparse row matrix over T (Feature or Label).
//
// Invariants: within a row, entries are sorted by Index strictly
// ascending; cols is monotone non-decreasing across appends; every row
// carries a trailing sentinel entry (Index == -1) that is never counted
// in cells or the row's reported size.
type Matrix[T Entry] struct {
	rows     int
	cols     int
	cells    int
	rowSizes []int
	rowData  [][]T
	sentinel T
}

// NewFeatureMatrix returns an empty sparse matrix of Feature rows.
func NewFeatureMatrix() *Matrix[Feature] {
	return &Matrix[Feature]{sentinel: featureSentinel()}
}

// NewLabelMatrix returns an empty sparse matrix of Label rows.
func NewLabelMatrix() *Matrix[Label] {
	return &Matrix[Label]{sentinel: labelSentinel()}
}

// Rows returns the row count.
func (m *Matrix[T]) Rows() int { return m.rows }

// Cols returns one past the maximum observed index.
func (m *Matrix[T]) Cols() int { return m.cols }

// Cells returns the total number of non-sentinel entries across all rows.
func (m *Matrix[T]) Cells() int { return m.cells }

// Size returns the number of non-sentinel entries in row i.
func (m *Matrix[T]) Size(i int) int { return m.rowSizes[i] }

func (m *Matrix[T]) updateCols(row []T) {
	if len(row) == 0 {
		return
	}
	n := int(row[len(row)-1].GetIndex()) + 1
	if n > m.cols {
		m.cols = n
	}
}

func (m *Matrix[T]) terminated(row []T) []T {
	out := make([]T, len(row)+1)
	copy(out, row)
	out[len(row)] = m.sentinel
	return out
}

// AppendRow appends a new row. The caller guarantees row is sorted by
// Index ascending.
func (m *Matrix[T]) AppendRow(row []T) {
	m.rowSizes = append(m.rowSizes, len(row))
	m.rowData = append(m.rowData, m.terminated(row))
	m.updateCols(row)
	m.rows = len(m.rowData)
	m.cells += len(row)
}

// ReplaceRow frees the old row and installs row in its place.
func (m *Matrix[T]) ReplaceRow(i int, row []T) {
	m.cells += len(row) - m.rowSizes[i]
	m.rowSizes[i] = len(row)
	m.rowData[i] = m.terminated(row)
	m.updateCols(row)
}

// AppendToRow concatenates data onto row i. The caller guarantees the
// concatenation remains sorted by Index.
func (m *Matrix[T]) AppendToRow(i int, data []T) {
	existing := m.rowData[i][:m.rowSizes[i]]
	merged := make([]T, len(existing)+len(data))
	copy(merged, existing)
	copy(merged[len(existing):], data)
	m.rowData[i] = m.terminated(merged)
	m.rowSizes[i] += len(data)
	m.cells += len(data)
	m.updateCols(merged)
}

// Row returns a sentinel-terminated slice for row i: walk it until
// GetIndex() == -1.
func (m *Matrix[T]) Row(i int) []T { return m.rowData[i] }

// RowEntries returns only the non-sentinel entries of row i.
func (m *Matrix[T]) RowEntries(i int) []T { return m.rowData[i][:m.rowSizes[i]] }

// Save writes the matrix as a length-prefixed binary stream: rows, cols,
// then per row a size followed by size+1 entries including the sentinel.
func (m *Matrix[T]) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, int32(m.rows)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, int32(m.cols)); err != nil {
		return err
	}
	for i := 0; i < m.rows; i++ {
		if err := binary.Write(bw, binary.LittleEndian, int32(m.rowSizes[i])); err != nil {
			return err
		}
		for _, e := range m.rowData[i] {
			if err := writeEntry(bw, e); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func writeEntry(w io.Writer, e Entry) error {
	switch v := any(e).(type) {
	case Feature:
		if err := binary.Write(w, binary.LittleEndian, v.Index); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, v.Value)
	case Label:
		return binary.Write(w, binary.LittleEndian, int32(v))
	default:
		return fmt.Errorf("srm: unsupported entry type %T", e)
	}
}

// Load replaces the matrix contents by reading a stream written by Save.
func (m *Matrix[T]) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	var rows, cols int32
	if err := binary.Read(br, binary.LittleEndian, &rows); err != nil {
		return err
	}
	if err := binary.Read(br, binary.LittleEndian, &cols); err != nil {
		return err
	}
	m.rows = int(rows)
	m.cols = int(cols)
	m.rowSizes = make([]int, m.rows)
	m.rowData = make([][]T, m.rows)
	m.cells = 0
	for i := 0; i < m.rows; i++ {
		var size int32
		if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
			return err
		}
		m.rowSizes[i] = int(size)
		row := make([]T, size+1)
		for j := range row {
			e, err := readEntry[T](br)
			if err != nil {
				return err
			}
			row[j] = e
		}
		m.rowData[i] = row
		m.cells += int(size)
	}
	return nil
}

func readEntry[T Entry](r io.Reader) (T, error) {
	var zero T
	switch any(zero).(type) {
	case Feature:
		var idx int32
		var val float32
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return zero, err
		}
		if err := binary.Read(r, binary.LittleEndian, &val); err != nil {
			return zero, err
		}
		return any(Feature{Index: idx, Value: val}).(T), nil
	case Label:
		var idx int32
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return zero, err
		}
		return any(Label(idx)).(T), nil
	default:
		return zero, fmt.Errorf("srm: unsupported entry type %T", zero)
	}
}
