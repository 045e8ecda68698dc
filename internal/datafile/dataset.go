package datafile

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// DType is the element type of a dataset.
type DType string

const (
	Float64    DType = "float64"
	Int64      DType = "int64"
	Complex64  DType = "complex64"
	Complex128 DType = "complex128"
)

// Size is the number of bytes one element occupies.
func (d DType) Size() int {
	switch d {
	case Float64, Int64, Complex64:
		return 8
	case Complex128:
		return 16
	}
	return 0
}

// Unlimited marks an extensible first axis in DatasetSpec.MaxShape.
const Unlimited = -1

// DatasetSpec describes a dataset to create.
type DatasetSpec struct {
	DType DType
	Shape []int
	// MaxShape defaults to Shape. Only the first axis may differ from Shape.
	MaxShape []int
	// ChunkRows is the number of first-axis rows per stored block. Zero
	// stores the initial extent as one block.
	ChunkRows int
}

// Dataset is an open handle on a dataset. Datasets reached through external
// links are read-only.
type Dataset struct {
	file      *File
	path      string
	dtype     DType
	shape     []int
	maxShape  []int
	chunkRows int
	closers   []io.Closer
}

// CreateDataset creates a zero-filled dataset at p.
func (f *File) CreateDataset(p string, spec DatasetSpec) (*Dataset, error) {
	if f.readOnly {
		return nil, ErrReadOnly
	}
	p = clean(p)
	if err := checkSpec(&spec); err != nil {
		return nil, fmt.Errorf("create %s: %w", p, err)
	}
	if err := f.claim(p); err != nil {
		return nil, err
	}

	shape, _ := json.Marshal(spec.Shape)
	maxShape, _ := json.Marshal(spec.MaxShape)
	_, err := f.db.Exec(
		`INSERT INTO nodes (path, kind, dtype, shape, maxshape, chunk_rows) VALUES (?, ?, ?, ?, ?, ?)`,
		p, kindDataset, string(spec.DType), string(shape), string(maxShape), spec.ChunkRows,
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", p, err)
	}
	return &Dataset{
		file:      f,
		path:      p,
		dtype:     spec.DType,
		shape:     append([]int(nil), spec.Shape...),
		maxShape:  append([]int(nil), spec.MaxShape...),
		chunkRows: spec.ChunkRows,
	}, nil
}

func checkSpec(spec *DatasetSpec) error {
	if spec.DType.Size() == 0 {
		return fmt.Errorf("%w: unknown dtype %q", ErrKind, spec.DType)
	}
	if len(spec.Shape) == 0 {
		return fmt.Errorf("%w: datasets need at least one axis", ErrShape)
	}
	for _, n := range spec.Shape {
		if n < 0 {
			return fmt.Errorf("%w: negative extent in %v", ErrShape, spec.Shape)
		}
	}
	if spec.MaxShape == nil {
		spec.MaxShape = append([]int(nil), spec.Shape...)
	}
	if len(spec.MaxShape) != len(spec.Shape) {
		return fmt.Errorf("%w: maxshape %v does not match shape %v", ErrShape, spec.MaxShape, spec.Shape)
	}
	if m := spec.MaxShape[0]; m != Unlimited && m < spec.Shape[0] {
		return fmt.Errorf("%w: maxshape %v below shape %v", ErrShape, spec.MaxShape, spec.Shape)
	}
	for i := 1; i < len(spec.Shape); i++ {
		if spec.MaxShape[i] != spec.Shape[i] {
			return fmt.Errorf("%w: only the first axis is extensible", ErrShape)
		}
	}
	if spec.ChunkRows <= 0 {
		spec.ChunkRows = max(spec.Shape[0], 1)
	}
	return nil
}

// Dataset opens the dataset at p, following external links.
func (f *File) Dataset(p string) (*Dataset, error) {
	return f.dataset(clean(p), 0)
}

func (f *File) dataset(p string, depth int) (*Dataset, error) {
	n, err := f.node(p)
	if err != nil {
		return nil, err
	}

	switch n.kind {
	case kindLink:
		if depth >= maxLinkDepth {
			return nil, fmt.Errorf("%w: %s", ErrLinkDepth, p)
		}
		target, err := OpenReadOnly(f.resolveLinkFile(n.linkFile.String))
		if err != nil {
			return nil, fmt.Errorf("resolve link %s: %w", p, err)
		}
		d, err := target.dataset(n.linkPath.String, depth+1)
		if err != nil {
			target.Close()
			return nil, fmt.Errorf("resolve link %s: %w", p, err)
		}
		d.closers = append(d.closers, target)
		return d, nil
	case kindDataset:
		d := &Dataset{file: f, path: p, dtype: DType(n.dtype.String), chunkRows: int(n.chunkRows.Int64)}
		if err := json.Unmarshal([]byte(n.shape.String), &d.shape); err != nil {
			return nil, fmt.Errorf("decode shape of %s: %w", p, err)
		}
		if err := json.Unmarshal([]byte(n.maxShape.String), &d.maxShape); err != nil {
			return nil, fmt.Errorf("decode maxshape of %s: %w", p, err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s is a %s, not a dataset", ErrKind, p, n.kind)
}

// Close releases files opened to resolve external links. The owning File
// stays open.
func (d *Dataset) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}

func (d *Dataset) Path() string { return d.path }
func (d *Dataset) DType() DType { return d.dtype }
func (d *Dataset) Shape() []int { return append([]int(nil), d.shape...) }
func (d *Dataset) MaxShape() []int { return append([]int(nil), d.maxShape...) }
func (d *Dataset) ChunkRows() int { return d.chunkRows }
func (d *Dataset) Len() int { return d.shape[0] }

// RowElements is the number of elements in one first-axis row.
func (d *Dataset) RowElements() int {
	n := 1
	for _, s := range d.shape[1:] {
		n *= s
	}
	return n
}

func (d *Dataset) rowBytes() int { return d.RowElements() * d.dtype.Size() }

// Resize sets the first-axis extent. Rows dropped by shrinking are cleared
// so that growing again reads zeros.
func (d *Dataset) Resize(rows int) error {
	if d.file.readOnly {
		return ErrReadOnly
	}
	if rows < 0 || (d.maxShape[0] != Unlimited && rows > d.maxShape[0]) {
		return fmt.Errorf("%w: cannot resize %s to %d rows (maxshape %v)", ErrShape, d.path, rows, d.maxShape)
	}

	tx, err := d.file.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if rows < d.shape[0] {
		if _, err := tx.Exec(`DELETE FROM chunks WHERE path = ? AND idx * ? >= ?`, d.path, d.chunkRows, rows); err != nil {
			return err
		}
		if tail := rows % d.chunkRows; tail != 0 {
			idx := rows / d.chunkRows
			blob, ok, err := d.loadChunk(tx, idx)
			if err != nil {
				return err
			}
			if ok {
				clear(blob[tail*d.rowBytes():])
				if err := d.storeChunk(tx, idx, blob); err != nil {
					return err
				}
			}
		}
	}

	shape := append([]int{rows}, d.shape[1:]...)
	encoded, _ := json.Marshal(shape)
	if _, err := tx.Exec(`UPDATE nodes SET shape = ? WHERE path = ?`, string(encoded), d.path); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	d.shape = shape
	return nil
}

// WriteFloat64 writes whole rows starting at row.
func (d *Dataset) WriteFloat64(row int, data []float64) error {
	if d.dtype != Float64 {
		return fmt.Errorf("%w: %s is %s", ErrKind, d.path, d.dtype)
	}
	raw := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	return d.writeRaw(row, raw)
}

// ReadFloat64 reads rows [row0, row1).
func (d *Dataset) ReadFloat64(row0, row1 int) ([]float64, error) {
	if d.dtype != Float64 {
		return nil, fmt.Errorf("%w: %s is %s", ErrKind, d.path, d.dtype)
	}
	raw, err := d.readRaw(row0, row1)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return out, nil
}

// WriteInt64 writes whole rows starting at row.
func (d *Dataset) WriteInt64(row int, data []int64) error {
	if d.dtype != Int64 {
		return fmt.Errorf("%w: %s is %s", ErrKind, d.path, d.dtype)
	}
	raw := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	return d.writeRaw(row, raw)
}

// ReadInt64 reads rows [row0, row1).
func (d *Dataset) ReadInt64(row0, row1 int) ([]int64, error) {
	if d.dtype != Int64 {
		return nil, fmt.Errorf("%w: %s is %s", ErrKind, d.path, d.dtype)
	}
	raw, err := d.readRaw(row0, row1)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(raw)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return out, nil
}

// WriteComplex writes whole rows starting at row. Complex64 datasets round
// each part to float32.
func (d *Dataset) WriteComplex(row int, data []complex128) error {
	raw := make([]byte, d.dtype.Size()*len(data))
	switch d.dtype {
	case Complex64:
		for i, v := range data {
			binary.LittleEndian.PutUint32(raw[8*i:], math.Float32bits(float32(real(v))))
			binary.LittleEndian.PutUint32(raw[8*i+4:], math.Float32bits(float32(imag(v))))
		}
	case Complex128:
		for i, v := range data {
			binary.LittleEndian.PutUint64(raw[16*i:], math.Float64bits(real(v)))
			binary.LittleEndian.PutUint64(raw[16*i+8:], math.Float64bits(imag(v)))
		}
	default:
		return fmt.Errorf("%w: %s is %s", ErrKind, d.path, d.dtype)
	}
	return d.writeRaw(row, raw)
}

// ReadComplex reads rows [row0, row1).
func (d *Dataset) ReadComplex(row0, row1 int) ([]complex128, error) {
	if d.dtype != Complex64 && d.dtype != Complex128 {
		return nil, fmt.Errorf("%w: %s is %s", ErrKind, d.path, d.dtype)
	}
	raw, err := d.readRaw(row0, row1)
	if err != nil {
		return nil, err
	}
	out := make([]complex128, len(raw)/d.dtype.Size())
	for i := range out {
		if d.dtype == Complex64 {
			re := math.Float32frombits(binary.LittleEndian.Uint32(raw[8*i:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(raw[8*i+4:]))
			out[i] = complex(float64(re), float64(im))
			continue
		}
		re := math.Float64frombits(binary.LittleEndian.Uint64(raw[16*i:]))
		im := math.Float64frombits(binary.LittleEndian.Uint64(raw[16*i+8:]))
		out[i] = complex(re, im)
	}
	return out, nil
}

func (d *Dataset) writeRaw(row int, raw []byte) error {
	if d.file.readOnly {
		return ErrReadOnly
	}
	rb := d.rowBytes()
	if rb == 0 || len(raw)%rb != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of %s rows", ErrShape, len(raw), d.path)
	}
	nrows := len(raw) / rb
	if row < 0 || row+nrows > d.shape[0] {
		return fmt.Errorf("%w: rows [%d, %d) outside %s extent %d", ErrShape, row, row+nrows, d.path, d.shape[0])
	}
	if nrows == 0 {
		return nil
	}

	tx, err := d.file.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	end := row + nrows
	for idx := row / d.chunkRows; idx*d.chunkRows < end; idx++ {
		start := idx * d.chunkRows
		blob, ok, err := d.loadChunk(tx, idx)
		if err != nil {
			return err
		}
		if !ok {
			blob = make([]byte, d.chunkRows*rb)
		}
		lo, hi := max(row, start), min(end, start+d.chunkRows)
		copy(blob[(lo-start)*rb:], raw[(lo-row)*rb:(hi-row)*rb])
		if err := d.storeChunk(tx, idx, blob); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *Dataset) readRaw(row0, row1 int) ([]byte, error) {
	if row0 < 0 || row1 < row0 || row1 > d.shape[0] {
		return nil, fmt.Errorf("%w: rows [%d, %d) outside %s extent %d", ErrShape, row0, row1, d.path, d.shape[0])
	}
	rb := d.rowBytes()
	out := make([]byte, (row1-row0)*rb)
	for idx := row0 / d.chunkRows; idx*d.chunkRows < row1; idx++ {
		start := idx * d.chunkRows
		blob, ok, err := d.loadChunk(d.file.db, idx)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		lo, hi := max(row0, start), min(row1, start+d.chunkRows)
		src := blob[min((lo-start)*rb, len(blob)):min((hi-start)*rb, len(blob))]
		copy(out[(lo-row0)*rb:], src)
	}
	return out, nil
}

func (d *Dataset) loadChunk(q querier, idx int) ([]byte, bool, error) {
	var blob []byte
	err := q.QueryRow(`SELECT data FROM chunks WHERE path = ? AND idx = ?`, d.path, idx).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s chunk %d: %w", d.path, idx, err)
	}
	return blob, true, nil
}

func (d *Dataset) storeChunk(tx *sql.Tx, idx int, blob []byte) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO chunks (path, idx, data) VALUES (?, ?, ?)`, d.path, idx, blob)
	if err != nil {
		return fmt.Errorf("write %s chunk %d: %w", d.path, idx, err)
	}
	return nil
}
