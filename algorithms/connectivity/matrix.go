package connectivity

import "sort"

// Row is one fixel's sparse adjacency: parallel target/value slices, targets
// sorted ascending. The compressed layout keeps row scans cache-friendly in
// the enhancement and smoothing inner loops.
type Row struct {
	Targets []uint32
	Values  []float64
}

// Get returns the value for target j, if present
func (r Row) Get(j uint32) (float64, bool) {
	idx := sort.Search(len(r.Targets), func(i int) bool { return r.Targets[i] >= j })
	if idx < len(r.Targets) && r.Targets[idx] == j {
		return r.Values[idx], true
	}
	return 0, false
}

// Len returns the number of entries in the row
func (r Row) Len() int {
	return len(r.Targets)
}

// Sum returns the sum of the row's values
func (r Row) Sum() float64 {
	sum := 0.0
	for _, v := range r.Values {
		sum += v
	}
	return sum
}

// Matrix is a per-fixel sparse connectivity (or smoothing-weight) matrix.
// Rows are normalized independently, so the matrix is not guaranteed to be
// exactly symmetric. Immutable once built.
type Matrix struct {
	rows []Row
}

// NewMatrix wraps pre-built rows
func NewMatrix(rows []Row) *Matrix {
	return &Matrix{rows: rows}
}

// Identity returns a matrix with only unit self-entries, useful when
// cross-fixel connectivity is absent
func Identity(numFixels int) *Matrix {
	rows := make([]Row, numFixels)
	for i := range rows {
		rows[i] = Row{Targets: []uint32{uint32(i)}, Values: []float64{1.0}}
	}
	return &Matrix{rows: rows}
}

// NumFixels returns the number of rows
func (m *Matrix) NumFixels() int {
	return len(m.rows)
}

// Row returns fixel i's adjacency row
func (m *Matrix) Row(i int) Row {
	return m.rows[i]
}

// rowFromMap converts a sparse accumulator map into a sorted compressed row
func rowFromMap(entries map[uint32]float64) Row {
	targets := make([]uint32, 0, len(entries))
	for j := range entries {
		targets = append(targets, j)
	}
	sort.Slice(targets, func(a, b int) bool { return targets[a] < targets[b] })

	values := make([]float64, len(targets))
	for i, j := range targets {
		values[i] = entries[j]
	}
	return Row{Targets: targets, Values: values}
}
