package labelfeat

import (
	"fmt"
	"io"

	"github.com/gonum/matrix/mat64"
	"github.com/sbinet/npyio"
)

// ExportNPY flattens m row-major into a single .npy array for offline
// inspection in numpy/pandas — a debugging aid, not a format any
// component reads back, so the (rows, cols) shape travels only in the
// caller's own log line rather than round-tripping through this package.
func ExportNPY(w io.Writer, m *mat64.Dense) error {
	rows, cols := m.Dims()
	flat := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		flat = append(flat, m.RawRowView(r)...)
	}
	if err := npyio.Write(w, flat); err != nil {
		return fmt.Errorf("labelfeat: writing npy export: %w", err)
	}
	return nil
}
