// Package formats reads and writes the surface and volume files the pipeline
// touches in-process: GIFTI surfaces and metrics, FreeSurfer geometry and
// morphometry files, and NIfTI-1 volumes.
package formats

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/models"
)

// GIFTI intents used by the pipeline.
const (
	IntentPointSet = "NIFTI_INTENT_POINTSET"
	IntentTriangle = "NIFTI_INTENT_TRIANGLE"
	IntentShape    = "NIFTI_INTENT_SHAPE"
	IntentNormal   = "NIFTI_INTENT_NORMAL"
	IntentNone     = "NIFTI_INTENT_NONE"
	IntentLabel    = "NIFTI_INTENT_LABEL"
)

const (
	giftiFloat32 = "NIFTI_TYPE_FLOAT32"
	giftiFloat64 = "NIFTI_TYPE_FLOAT64"
	giftiInt32   = "NIFTI_TYPE_INT32"
	giftiUint8   = "NIFTI_TYPE_UINT8"

	encodingASCII      = "ASCII"
	encodingBase64     = "Base64Binary"
	encodingGZipBase64 = "GZipBase64Binary"

	orderRowMajor    = "RowMajorOrder"
	orderColumnMajor = "ColumnMajorOrder"

	giftiDoctype = `<!DOCTYPE GIFTI SYSTEM "http://www.nitrc.org/frs/download.php/115/gifti.dtd">`
)

type giftiFile struct {
	XMLName            xml.Name         `xml:"GIFTI"`
	Version            string           `xml:"Version,attr"`
	NumberOfDataArrays int              `xml:"NumberOfDataArrays,attr"`
	MetaData           giftiMetaData    `xml:"MetaData"`
	LabelTable         *giftiLabelTable `xml:"LabelTable"`
	DataArrays         []giftiDataArray `xml:"DataArray"`
}

type giftiMetaData struct {
	Entries []giftiMD `xml:"MD"`
}

type giftiMD struct {
	Name  string `xml:"Name"`
	Value string `xml:"Value"`
}

type giftiLabelTable struct {
	Labels []giftiLabel `xml:"Label"`
}

type giftiLabel struct {
	Key  int    `xml:"Key,attr"`
	Name string `xml:",chardata"`
}

type giftiCoordSys struct {
	DataSpace        string `xml:"DataSpace"`
	TransformedSpace string `xml:"TransformedSpace"`
	MatrixData       string `xml:"MatrixData"`
}

type giftiDataArray struct {
	Intent             string          `xml:"Intent,attr"`
	DataType           string          `xml:"DataType,attr"`
	ArrayIndexingOrder string          `xml:"ArrayIndexingOrder,attr"`
	Dimensionality     int             `xml:"Dimensionality,attr"`
	Dim0               int             `xml:"Dim0,attr"`
	Dim1               int             `xml:"Dim1,attr,omitempty"`
	Encoding           string          `xml:"Encoding,attr"`
	Endian             string          `xml:"Endian,attr"`
	ExternalFileName   string          `xml:"ExternalFileName,attr"`
	ExternalFileOffset string          `xml:"ExternalFileOffset,attr"`
	MetaData           giftiMetaData   `xml:"MetaData"`
	CoordSys           *giftiCoordSys  `xml:"CoordinateSystemTransformMatrix"`
	Data               string          `xml:"Data"`
}

func (m giftiMetaData) value(name string) string {
	for _, e := range m.Entries {
		if e.Name == name {
			return e.Value
		}
	}
	return ""
}

func readGifti(path string) (*giftiFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g giftiFile
	if err := xml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing GIFTI %s: %w", path, err)
	}
	return &g, nil
}

// shape returns (rows, columns) of a data array; 1-D arrays have one column.
func (da *giftiDataArray) shape() (int, int) {
	cols := 1
	if da.Dimensionality >= 2 && da.Dim1 > 0 {
		cols = da.Dim1
	}
	return da.Dim0, cols
}

// values decodes the array into row-major float64 values.
func (da *giftiDataArray) values() ([]float64, error) {
	if da.ExternalFileName != "" {
		return nil, fmt.Errorf("external GIFTI data files are not supported")
	}
	rows, cols := da.shape()
	n := rows * cols

	var out []float64
	switch da.Encoding {
	case encodingASCII:
		fields := strings.Fields(da.Data)
		if len(fields) != n {
			return nil, fmt.Errorf("ASCII data array has %d values, expected %d", len(fields), n)
		}
		out = make([]float64, n)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing ASCII value %q: %w", f, err)
			}
			out[i] = v
		}
	case encodingBase64, encodingGZipBase64:
		raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(da.Data), ""))
		if err != nil {
			return nil, fmt.Errorf("decoding base64 data: %w", err)
		}
		if da.Encoding == encodingGZipBase64 {
			if raw, err = inflate(raw); err != nil {
				return nil, err
			}
		}
		if out, err = decodeBinary(raw, da.DataType, da.byteOrder(), n); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported GIFTI encoding %q", da.Encoding)
	}

	if da.ArrayIndexingOrder == orderColumnMajor && cols > 1 {
		t := make([]float64, n)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				t[r*cols+c] = out[c*rows+r]
			}
		}
		out = t
	}
	return out, nil
}

func (da *giftiDataArray) byteOrder() binary.ByteOrder {
	if da.Endian == "BigEndian" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// inflate handles the zlib stream GIFTI writers emit, falling back to gzip.
func inflate(raw []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		defer zr.Close()
		return io.ReadAll(zr)
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decompressing GIFTI data: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func decodeBinary(raw []byte, dataType string, order binary.ByteOrder, n int) ([]float64, error) {
	size := 0
	switch dataType {
	case giftiFloat32, giftiInt32:
		size = 4
	case giftiFloat64:
		size = 8
	case giftiUint8:
		size = 1
	default:
		return nil, fmt.Errorf("unsupported GIFTI data type %q", dataType)
	}
	if len(raw) < n*size {
		return nil, fmt.Errorf("data array holds %d bytes, expected %d", len(raw), n*size)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		switch dataType {
		case giftiFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case giftiInt32:
			out[i] = float64(int32(order.Uint32(b)))
		case giftiFloat64:
			out[i] = math.Float64frombits(order.Uint64(b))
		case giftiUint8:
			out[i] = float64(b[0])
		}
	}
	return out, nil
}

// ReadGiftiSurface loads the POINTSET and TRIANGLE arrays of a .surf.gii file.
func ReadGiftiSurface(path string) (*models.Mesh, error) {
	g, err := readGifti(path)
	if err != nil {
		return nil, err
	}
	mesh := &models.Mesh{}
	var havePoints bool
	for i := range g.DataArrays {
		da := &g.DataArrays[i]
		switch da.Intent {
		case IntentPointSet:
			rows, cols := da.shape()
			if cols != 3 {
				return nil, fmt.Errorf("%s: pointset has %d columns, expected 3", path, cols)
			}
			vals, err := da.values()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			mesh.Vertices = make([]r3.Vec, rows)
			for v := 0; v < rows; v++ {
				mesh.Vertices[v] = r3.Vec{X: vals[3*v], Y: vals[3*v+1], Z: vals[3*v+2]}
			}
			havePoints = true
		case IntentTriangle:
			rows, cols := da.shape()
			if cols != 3 {
				return nil, fmt.Errorf("%s: triangle array has %d columns, expected 3", path, cols)
			}
			vals, err := da.values()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			mesh.Faces = make([][3]int, rows)
			for f := 0; f < rows; f++ {
				mesh.Faces[f] = [3]int{int(vals[3*f]), int(vals[3*f+1]), int(vals[3*f+2])}
			}
		}
	}
	if !havePoints {
		return nil, fmt.Errorf("%s: no %s data array", path, IntentPointSet)
	}
	if err := mesh.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mesh, nil
}

// ReadGiftiMetric loads every non-geometry data array as metric columns.
// A 2-D array (vertices x depths) expands into one column per depth.
func ReadGiftiMetric(path string) (*models.Metric, error) {
	g, err := readGifti(path)
	if err != nil {
		return nil, err
	}
	metric := &models.Metric{}
	for i := range g.DataArrays {
		da := &g.DataArrays[i]
		if da.Intent == IntentPointSet || da.Intent == IntentTriangle {
			continue
		}
		vals, err := da.values()
		if err != nil {
			return nil, fmt.Errorf("%s: array %d: %w", path, i, err)
		}
		rows, cols := da.shape()
		name := da.MetaData.value("Name")
		for c := 0; c < cols; c++ {
			col := make([]float64, rows)
			for r := 0; r < rows; r++ {
				col[r] = vals[r*cols+c]
			}
			metric.Columns = append(metric.Columns, col)
			metric.Names = append(metric.Names, name)
		}
	}
	if len(metric.Columns) == 0 {
		return nil, fmt.Errorf("%s: no metric data arrays", path)
	}
	if err := metric.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return metric, nil
}

// GiftiVertexCount returns the row count of the first data array.
func GiftiVertexCount(path string) (int, error) {
	g, err := readGifti(path)
	if err != nil {
		return 0, err
	}
	for _, da := range g.DataArrays {
		if da.Intent != IntentTriangle {
			return da.Dim0, nil
		}
	}
	return 0, fmt.Errorf("%s: no vertex data arrays", path)
}

func encodeFloat32(values []float64) (string, error) {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
	}
	return compress(raw)
}

func encodeInt32(values []int32) (string, error) {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], uint32(v))
	}
	return compress(raw)
}

func compress(raw []byte) (string, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func newDataArray(intent, dataType string, rows, cols int, data string) giftiDataArray {
	da := giftiDataArray{
		Intent:             intent,
		DataType:           dataType,
		ArrayIndexingOrder: orderRowMajor,
		Dimensionality:     1,
		Dim0:               rows,
		Encoding:           encodingGZipBase64,
		Endian:             "LittleEndian",
		Data:               data,
	}
	if cols > 1 {
		da.Dimensionality = 2
		da.Dim1 = cols
	}
	return da
}

func writeGifti(path string, arrays []giftiDataArray) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	g := giftiFile{
		Version:            "1.0",
		NumberOfDataArrays: len(arrays),
		DataArrays:         arrays,
	}
	body, err := xml.MarshalIndent(g, "", " ")
	if err != nil {
		return fmt.Errorf("marshaling GIFTI: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(giftiDoctype + "\n")
	buf.Write(body)
	buf.WriteString("\n")
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// WriteGiftiSurface writes a mesh as a .surf.gii file.
func WriteGiftiSurface(path string, mesh *models.Mesh) error {
	coords := make([]float64, 0, 3*len(mesh.Vertices))
	for _, v := range mesh.Vertices {
		coords = append(coords, v.X, v.Y, v.Z)
	}
	faces := make([]int32, 0, 3*len(mesh.Faces))
	for _, f := range mesh.Faces {
		faces = append(faces, int32(f[0]), int32(f[1]), int32(f[2]))
	}
	coordData, err := encodeFloat32(coords)
	if err != nil {
		return err
	}
	faceData, err := encodeInt32(faces)
	if err != nil {
		return err
	}
	points := newDataArray(IntentPointSet, giftiFloat32, len(mesh.Vertices), 3, coordData)
	points.CoordSys = &giftiCoordSys{
		DataSpace:        "NIFTI_XFORM_TALAIRACH",
		TransformedSpace: "NIFTI_XFORM_TALAIRACH",
		MatrixData:       "1 0 0 0 0 1 0 0 0 0 1 0 0 0 0 1",
	}
	triangles := newDataArray(IntentTriangle, giftiInt32, len(mesh.Faces), 3, faceData)
	return writeGifti(path, []giftiDataArray{points, triangles})
}

// WriteGiftiMetric writes one FLOAT32 data array per metric column.
func WriteGiftiMetric(path string, metric *models.Metric, intent string) error {
	if err := metric.Validate(); err != nil {
		return err
	}
	arrays := make([]giftiDataArray, 0, len(metric.Columns))
	for i, col := range metric.Columns {
		data, err := encodeFloat32(col)
		if err != nil {
			return err
		}
		da := newDataArray(intent, giftiFloat32, len(col), 1, data)
		if i < len(metric.Names) && metric.Names[i] != "" {
			da.MetaData.Entries = []giftiMD{{Name: "Name", Value: metric.Names[i]}}
		}
		arrays = append(arrays, da)
	}
	return writeGifti(path, arrays)
}

var knownExts = []string{
	".surf.gii", ".func.gii", ".shape.gii", ".label.gii", ".gii",
	".nii.gz", ".nii",
}

// Stem returns the base name of path without its surface, metric or volume
// extension.
func Stem(path string) string {
	base := filepath.Base(path)
	for _, ext := range knownExts {
		if strings.HasSuffix(base, ext) && len(base) > len(ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}
