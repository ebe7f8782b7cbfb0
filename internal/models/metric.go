package models

import "fmt"

// Metric is a per-vertex scalar map with one or more columns (maps, depths
// or channels). Every column has one value per vertex of its mesh.
type Metric struct {
	// Columns holds the per-vertex values, one slice per column
	Columns [][]float64

	// Names optionally labels each column
	Names []string
}

// NewMetric builds a single-column metric.
func NewMetric(values []float64, name string) *Metric {
	return &Metric{
		Columns: [][]float64{values},
		Names:   []string{name},
	}
}

// VertexCount returns the number of rows. A metric without columns has zero rows.
func (m *Metric) VertexCount() int {
	if len(m.Columns) == 0 {
		return 0
	}
	return len(m.Columns[0])
}

// ColumnCount returns the number of columns.
func (m *Metric) ColumnCount() int {
	return len(m.Columns)
}

// Column returns column i.
func (m *Metric) Column(i int) ([]float64, error) {
	if i < 0 || i >= len(m.Columns) {
		return nil, fmt.Errorf("column %d out of range, metric has %d columns", i, len(m.Columns))
	}
	return m.Columns[i], nil
}

// Validate checks that all columns share one length.
func (m *Metric) Validate() error {
	n := m.VertexCount()
	for i, c := range m.Columns {
		if len(c) != n {
			return Preconditionf("metric column %d has %d rows, expected %d", i, len(c), n)
		}
	}
	return nil
}

// CheckVertexCount verifies the metric belongs to a mesh with n vertices.
func (m *Metric) CheckVertexCount(n int) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.VertexCount() != n {
		return Preconditionf("metric has %d rows, mesh has %d vertices", m.VertexCount(), n)
	}
	return nil
}

// InMask returns the in-mask flags of the first column: a vertex is in the
// mask unless its weight is exactly zero.
func (m *Metric) InMask() ([]bool, error) {
	if len(m.Columns) == 0 {
		return nil, Preconditionf("mask has no columns")
	}
	out := make([]bool, len(m.Columns[0]))
	count := 0
	for i, w := range m.Columns[0] {
		out[i] = w != 0
		if out[i] {
			count++
		}
	}
	if count == 0 {
		return nil, Preconditionf("mask selects no vertices")
	}
	return out, nil
}
