package corpus

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/Ron111104/LEGALYTICS/internal/domain"
)

// Default artifact file names inside a corpus directory.
const (
	IDsFile        = "case_ids.json"
	TextsFile      = "case_texts.json"
	EmbeddingsFile = "case_embeddings.bin"
	IndexFile      = "case_index.hnsw"
)

// Artifact names used in LoadError.
const (
	ArtifactIDs        = "ids"
	ArtifactTexts      = "texts"
	ArtifactEmbeddings = "embeddings"
	ArtifactCorpus     = "corpus"
)

const (
	matrixMagic   = "LGEM"
	matrixVersion = 1
	headerSize    = 16
)

// Paths locates the three aligned corpus artifacts.
type Paths struct {
	IDs        string
	Texts      string
	Embeddings string
}

// PathsIn returns the default artifact paths inside dir.
func PathsIn(dir string) Paths {
	return Paths{
		IDs:        filepath.Join(dir, IDsFile),
		Texts:      filepath.Join(dir, TextsFile),
		Embeddings: filepath.Join(dir, EmbeddingsFile),
	}
}

// LoadError reports which artifact could not be loaded. It matches domain.ErrCorpusLoad.
type LoadError struct {
	Artifact string
	Path     string
	Err      error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s: %v", domain.ErrCorpusLoad, e.Artifact, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s): %v", domain.ErrCorpusLoad, e.Artifact, e.Path, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *LoadError) Unwrap() []error { return []error{domain.ErrCorpusLoad, e.Err} }

// Load reads all three artifacts concurrently and assembles the corpus only when
// every artifact is present, readable and aligned with the others.
func Load(ctx context.Context, p Paths) (*Corpus, error) {
	var (
		ids, texts []string
		m          Matrix
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ids, err = readStrings(p.IDs)
		if err != nil {
			return &LoadError{Artifact: ArtifactIDs, Path: p.IDs, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		texts, err = readStrings(p.Texts)
		if err != nil {
			return &LoadError{Artifact: ArtifactTexts, Path: p.Texts, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		m, err = ReadMatrixFile(p.Embeddings)
		if err != nil {
			return &LoadError{Artifact: ArtifactEmbeddings, Path: p.Embeddings, Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err //nolint:wrapcheck // already a *LoadError
	}

	c, err := assemble(ids, texts, m)
	if err != nil {
		return nil, &LoadError{Artifact: ArtifactCorpus, Err: err}
	}
	return c, nil
}

// Write persists the corpus artifacts into dir. Each file is written to a temp
// name and renamed so readers never observe a partial artifact.
func Write(dir string, c *Corpus) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create corpus dir: %w", err)
	}
	p := PathsIn(dir)

	if err := writeAtomic(p.IDs, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(c.ids)
	}); err != nil {
		return fmt.Errorf("write ids: %w", err)
	}
	if err := writeAtomic(p.Texts, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(c.texts)
	}); err != nil {
		return fmt.Errorf("write texts: %w", err)
	}
	if err := writeAtomic(p.Embeddings, func(w io.Writer) error {
		return WriteMatrix(w, c.matrix)
	}); err != nil {
		return fmt.Errorf("write embeddings: %w", err)
	}
	return nil
}

func readStrings(path string) ([]string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if out == nil {
		return nil, errors.New("decode: expected a JSON array of strings")
	}
	return out, nil
}

// ReadMatrixFile reads an embedding matrix, checking the header against the file size
// before allocating.
func ReadMatrixFile(path string) (Matrix, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Matrix{}, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Matrix{}, fmt.Errorf("stat: %w", err)
	}

	return readMatrix(bufio.NewReader(f), info.Size())
}

// ReadMatrix decodes an embedding matrix from r.
func ReadMatrix(r io.Reader) (Matrix, error) {
	return readMatrix(r, -1)
}

func readMatrix(r io.Reader, size int64) (Matrix, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Matrix{}, fmt.Errorf("read header: %w", err)
	}
	if string(hdr[:4]) != matrixMagic {
		return Matrix{}, fmt.Errorf("bad magic %q", hdr[:4])
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != matrixVersion {
		return Matrix{}, fmt.Errorf("unsupported matrix version %d", v)
	}
	rows := int(binary.LittleEndian.Uint32(hdr[8:12]))
	dim := int(binary.LittleEndian.Uint32(hdr[12:16]))

	payload := int64(rows) * int64(dim) * 4
	if size >= 0 && size != headerSize+payload {
		return Matrix{}, fmt.Errorf("size mismatch: header declares %dx%d, file has %d bytes",
			rows, dim, size)
	}

	buf := make([]byte, payload)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Matrix{}, fmt.Errorf("read data: %w", err)
	}

	data := make([]float32, rows*dim)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return Matrix{Rows: rows, Dim: dim, Data: data}, nil
}

// WriteMatrix encodes m in the LGEM little-endian format.
func WriteMatrix(w io.Writer, m Matrix) error {
	var hdr [headerSize]byte
	copy(hdr[:4], matrixMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], matrixVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(m.Rows))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(m.Dim))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	buf := make([]byte, len(m.Data)*4)
	for i, f := range m.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

func writeAtomic(path string, fn func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(filepath.Clean(tmp))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
