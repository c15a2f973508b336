// Package corpus holds the immutable case corpus: ids, judgment texts and the
// embedding matrix, aligned row by row and constructed in one step.
package corpus

import (
	"errors"
	"fmt"
	"math"
)

// Record is a single case judgment.
type Record struct {
	ID        string
	Text      string
	Embedding []float32
}

// Corpus owns ids, texts and embeddings together. Row i of the matrix belongs to
// ids[i] and texts[i]; there is no way to change one without the others.
type Corpus struct {
	ids    []string
	texts  []string
	matrix Matrix
	rowOf  map[string]int
}

// New builds a corpus from records, copying every embedding into a contiguous matrix.
func New(records []Record) (*Corpus, error) {
	ids := make([]string, len(records))
	texts := make([]string, len(records))
	dim := 0
	if len(records) > 0 {
		dim = len(records[0].Embedding)
	}
	m := Matrix{Rows: len(records), Dim: dim, Data: make([]float32, 0, len(records)*dim)}
	for i, r := range records {
		if len(r.Embedding) != dim {
			return nil, fmt.Errorf("record %q: %w: got %d, want %d",
				r.ID, errDimension, len(r.Embedding), dim)
		}
		ids[i] = r.ID
		texts[i] = r.Text
		m.Data = append(m.Data, r.Embedding...)
	}
	return assemble(ids, texts, m)
}

// FromArtifacts builds a corpus from the three parallel artifacts. The slices are
// owned by the corpus afterwards.
func FromArtifacts(ids, texts []string, m Matrix) (*Corpus, error) {
	return assemble(ids, texts, m)
}

var (
	errLengthMismatch = errors.New("artifact length mismatch")
	errDimension      = errors.New("embedding dimension mismatch")
	errDuplicateID    = errors.New("duplicate case id")
	errEmptyID        = errors.New("empty case id")
	errNonFinite      = errors.New("non-finite embedding value")
)

func assemble(ids, texts []string, m Matrix) (*Corpus, error) {
	if len(ids) != len(texts) || len(ids) != m.Rows {
		return nil, fmt.Errorf("%w: ids=%d texts=%d embeddings=%d",
			errLengthMismatch, len(ids), len(texts), m.Rows)
	}
	if len(m.Data) != m.Rows*m.Dim {
		return nil, fmt.Errorf("%w: matrix holds %d values, want %dx%d",
			errDimension, len(m.Data), m.Rows, m.Dim)
	}
	if m.Rows > 0 && m.Dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", errDimension)
	}
	for i, v := range m.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w at row %d", errNonFinite, i/m.Dim)
		}
	}

	rowOf := make(map[string]int, len(ids))
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w at row %d", errEmptyID, i)
		}
		if prev, ok := rowOf[id]; ok {
			return nil, fmt.Errorf("%w %q at rows %d and %d", errDuplicateID, id, prev, i)
		}
		rowOf[id] = i
	}

	return &Corpus{ids: ids, texts: texts, matrix: m, rowOf: rowOf}, nil
}

// Len returns the number of cases.
func (c *Corpus) Len() int { return len(c.ids) }

// Dim returns the embedding dimension (0 for an empty corpus).
func (c *Corpus) Dim() int { return c.matrix.Dim }

// ID returns the case id at row.
func (c *Corpus) ID(row int) string { return c.ids[row] }

// Text returns the full judgment text at row.
func (c *Corpus) Text(row int) string { return c.texts[row] }

// Vector returns the embedding at row. The slice aliases corpus memory and must not be modified.
func (c *Corpus) Vector(row int) []float32 { return c.matrix.Row(row) }

// Row looks up the row of a case id.
func (c *Corpus) Row(id string) (int, bool) {
	r, ok := c.rowOf[id]
	return r, ok
}

// Contains reports whether row is a valid row index.
func (c *Corpus) Contains(row int) bool { return row >= 0 && row < len(c.ids) }

// Record returns a copy of the case at row.
func (c *Corpus) Record(row int) Record {
	vec := make([]float32, c.matrix.Dim)
	copy(vec, c.matrix.Row(row))
	return Record{ID: c.ids[row], Text: c.texts[row], Embedding: vec}
}

// Matrix returns the embedding matrix. Its data aliases corpus memory and must not be modified.
func (c *Corpus) Matrix() Matrix { return c.matrix }

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows int
	Dim  int
	Data []float32
}

// Row returns row i as a sub-slice of Data.
func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.Dim : (i+1)*m.Dim : (i+1)*m.Dim]
}
