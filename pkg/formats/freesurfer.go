package formats

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/models"
)

var (
	triangleMagic = []byte{0xff, 0xff, 0xfe}
	curvMagic     = []byte{0xff, 0xff, 0xff}
)

// IsFreeSurferSurface reports whether path starts with the FreeSurfer
// triangle-file magic number.
func IsFreeSurferSurface(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, 3)
	if _, err := io.ReadFull(f, head); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, triangleMagic), nil
}

// ReadFreeSurferSurface reads a big-endian FreeSurfer triangle surface
// (lh.white, rh.sphere, ...).
func ReadFreeSurferSurface(path string) (*models.Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)

	magic := make([]byte, 3)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%s: reading magic: %w", path, err)
	}
	if !bytes.Equal(magic, triangleMagic) {
		return nil, fmt.Errorf("%s: not a FreeSurfer triangle surface", path)
	}

	// Creation comment, terminated by two newlines.
	var prev byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%s: reading header comment: %w", path, err)
		}
		if b == '\n' && prev == '\n' {
			break
		}
		prev = b
	}

	var counts [2]int32
	if err := binary.Read(r, binary.BigEndian, &counts); err != nil {
		return nil, fmt.Errorf("%s: reading counts: %w", path, err)
	}
	nv, nf := int(counts[0]), int(counts[1])
	if nv < 0 || nf < 0 {
		return nil, models.Preconditionf("%s: negative vertex or face count", path)
	}
	if int64(nv)+int64(nf) > info.Size()/12 {
		return nil, models.Preconditionf("%s: %d vertices and %d faces do not fit a %d byte file", path, nv, nf, info.Size())
	}

	coords := make([]float32, 3*nv)
	if err := binary.Read(r, binary.BigEndian, coords); err != nil {
		return nil, fmt.Errorf("%s: reading vertices: %w", path, err)
	}
	faces := make([]int32, 3*nf)
	if err := binary.Read(r, binary.BigEndian, faces); err != nil {
		return nil, fmt.Errorf("%s: reading faces: %w", path, err)
	}

	mesh := &models.Mesh{
		Vertices: make([]r3.Vec, nv),
		Faces:    make([][3]int, nf),
	}
	for i := 0; i < nv; i++ {
		mesh.Vertices[i] = r3.Vec{X: float64(coords[3*i]), Y: float64(coords[3*i+1]), Z: float64(coords[3*i+2])}
	}
	for i := 0; i < nf; i++ {
		mesh.Faces[i] = [3]int{int(faces[3*i]), int(faces[3*i+1]), int(faces[3*i+2])}
	}
	if err := mesh.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mesh, nil
}

// WriteFreeSurferSurface writes a mesh in FreeSurfer triangle format.
func WriteFreeSurferSurface(path string, mesh *models.Mesh) error {
	var buf bytes.Buffer
	buf.Write(triangleMagic)
	buf.WriteString("created by surfalign\n\n")
	counts := [2]int32{int32(len(mesh.Vertices)), int32(len(mesh.Faces))}
	binary.Write(&buf, binary.BigEndian, counts)
	for _, v := range mesh.Vertices {
		binary.Write(&buf, binary.BigEndian, [3]float32{float32(v.X), float32(v.Y), float32(v.Z)})
	}
	for _, f := range mesh.Faces {
		binary.Write(&buf, binary.BigEndian, [3]int32{int32(f[0]), int32(f[1]), int32(f[2])})
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// ReadMorph reads a FreeSurfer per-vertex morphometry file (?h.sulc,
// ?h.curv, *.H). Both the current format and the legacy 3-byte-count
// format are accepted.
func ReadMorph(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 6 {
		return nil, fmt.Errorf("%s: file too short for a morphometry file", path)
	}
	r := bytes.NewReader(data)

	if bytes.Equal(data[:3], curvMagic) {
		r.Seek(3, io.SeekStart)
		var hdr [3]int32
		if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
			return nil, fmt.Errorf("%s: reading header: %w", path, err)
		}
		nv, perVertex := int(hdr[0]), int(hdr[2])
		if perVertex != 1 {
			return nil, fmt.Errorf("%s: %d values per vertex, expected 1", path, perVertex)
		}
		if nv < 0 || nv > r.Len()/4 {
			return nil, models.Preconditionf("%s: vertex count %d does not fit %d data bytes", path, nv, r.Len())
		}
		vals := make([]float32, nv)
		if err := binary.Read(r, binary.BigEndian, vals); err != nil {
			return nil, fmt.Errorf("%s: reading values: %w", path, err)
		}
		out := make([]float64, nv)
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, nil
	}

	// Legacy layout: 3-byte vertex and face counts, int16 values scaled by 100.
	nv := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
	r.Seek(6, io.SeekStart)
	if nv > r.Len()/2 {
		return nil, models.Preconditionf("%s: legacy vertex count %d does not fit %d data bytes", path, nv, r.Len())
	}
	vals := make([]int16, nv)
	if err := binary.Read(r, binary.BigEndian, vals); err != nil {
		return nil, fmt.Errorf("%s: reading legacy values: %w", path, err)
	}
	out := make([]float64, nv)
	for i, v := range vals {
		out[i] = float64(v) / 100
	}
	return out, nil
}

// WriteMorph writes values in the current FreeSurfer morphometry format.
func WriteMorph(path string, values []float64, faceCount int) error {
	var buf bytes.Buffer
	buf.Write(curvMagic)
	binary.Write(&buf, binary.BigEndian, [3]int32{int32(len(values)), int32(faceCount), 1})
	for _, v := range values {
		if math.IsNaN(v) {
			v = 0
		}
		binary.Write(&buf, binary.BigEndian, float32(v))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// ReadMesh loads a surface in either FreeSurfer or GIFTI format.
func ReadMesh(path string) (*models.Mesh, error) {
	fs, err := IsFreeSurferSurface(path)
	if err != nil {
		return nil, err
	}
	if fs {
		return ReadFreeSurferSurface(path)
	}
	return ReadGiftiSurface(path)
}
