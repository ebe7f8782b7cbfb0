package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/models"
)

func tetrahedron() *models.Mesh {
	return &models.Mesh{
		Vertices: []r3.Vec{
			{X: 1, Y: 1, Z: 1},
			{X: -1, Y: -1, Z: 1},
			{X: -1, Y: 1, Z: -1},
			{X: 1, Y: -1, Z: -1},
		},
		Faces: [][3]int{{0, 1, 2}, {0, 3, 1}, {0, 2, 3}, {1, 3, 2}},
	}
}

func TestGiftiSurfaceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tet.surf.gii")
	mesh := tetrahedron()

	require.NoError(t, WriteGiftiSurface(path, mesh))
	got, err := ReadGiftiSurface(path)
	require.NoError(t, err)

	assert.Equal(t, mesh.Vertices, got.Vertices)
	assert.Equal(t, mesh.Faces, got.Faces)

	n, err := GiftiVertexCount(path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestGiftiMetricColumnsAndNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.func.gii")
	metric := &models.Metric{
		Columns: [][]float64{{0.5, 1.5, -2}, {3, 4, 5}},
		Names:   []string{"sulc", "x"},
	}

	require.NoError(t, WriteGiftiMetric(path, metric, IntentShape))
	got, err := ReadGiftiMetric(path)
	require.NoError(t, err)

	assert.Equal(t, metric.Columns, got.Columns)
	assert.Equal(t, metric.Names, got.Names)
}

func TestGiftiMetricRejectsRaggedColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.func.gii")
	metric := &models.Metric{Columns: [][]float64{{1, 2}, {1}}}
	assert.Error(t, WriteGiftiMetric(path, metric, IntentShape))
}

func TestGiftiASCIIColumnMajor(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<GIFTI Version="1.0" NumberOfDataArrays="1">
 <DataArray Intent="NIFTI_INTENT_NONE" DataType="NIFTI_TYPE_FLOAT32" ArrayIndexingOrder="ColumnMajorOrder"
   Dimensionality="2" Dim0="3" Dim1="2" Encoding="ASCII" Endian="LittleEndian" ExternalFileName="" ExternalFileOffset="">
  <Data>1 2 3 10 20 30</Data>
 </DataArray>
</GIFTI>`
	path := filepath.Join(t.TempDir(), "ascii.func.gii")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	got, err := ReadGiftiMetric(path)
	require.NoError(t, err)
	require.Equal(t, 2, got.ColumnCount())
	assert.Equal(t, []float64{1, 2, 3}, got.Columns[0])
	assert.Equal(t, []float64{10, 20, 30}, got.Columns[1])
}

func TestFreeSurferSurfaceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lh.sphere")
	mesh := tetrahedron()
	require.NoError(t, WriteFreeSurferSurface(path, mesh))

	fs, err := IsFreeSurferSurface(path)
	require.NoError(t, err)
	assert.True(t, fs)

	got, err := ReadMesh(path)
	require.NoError(t, err)
	assert.Equal(t, mesh.Vertices, got.Vertices)
	assert.Equal(t, mesh.Faces, got.Faces)

	giiPath := filepath.Join(t.TempDir(), "lh.sphere.surf.gii")
	require.NoError(t, WriteGiftiSurface(giiPath, mesh))
	fs, err = IsFreeSurferSurface(giiPath)
	require.NoError(t, err)
	assert.False(t, fs)
}

func TestMorphRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lh.sulc")
	values := []float64{-1.25, 0, 2.5, 7}
	require.NoError(t, WriteMorph(path, values, 4))

	got, err := ReadMorph(path)
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestMorphLegacyFormat(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 3, 0, 0, 1})
	binary.Write(&buf, binary.BigEndian, []int16{150, -25, 0})
	path := filepath.Join(t.TempDir(), "lh.curv")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	got, err := ReadMorph(path)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.5, -0.25, 0}, got, 1e-12)
}

func TestMorphRejectsBadCounts(t *testing.T) {
	current := func(nv uint32, values int) []byte {
		var buf bytes.Buffer
		buf.Write(curvMagic)
		binary.Write(&buf, binary.BigEndian, []uint32{nv, 4, 1})
		binary.Write(&buf, binary.BigEndian, make([]float32, values))
		return buf.Bytes()
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"all ones count", current(0xffffffff, 2)},
		{"negative count", current(0x80000000, 2)},
		{"oversized count", current(1000, 2)},
		{"count one past data", current(3, 2)},
		{"oversized legacy count", append([]byte{0, 0, 9, 0, 0, 1}, make([]byte, 6)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "lh.sulc")
			require.NoError(t, os.WriteFile(path, tt.data, 0644))
			_, err := ReadMorph(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrPrecondition))
		})
	}

	path := filepath.Join(t.TempDir(), "lh.sulc")
	require.NoError(t, os.WriteFile(path, current(2, 2), 0644))
	got, err := ReadMorph(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, got)
}

func TestFreeSurferSurfaceRejectsOversizedCounts(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(triangleMagic)
	buf.WriteString("created by test\n\n")
	binary.Write(&buf, binary.BigEndian, []int32{0x7fffffff, 4})
	path := filepath.Join(t.TempDir(), "lh.white")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	_, err := ReadFreeSurferSurface(path)
	assert.True(t, errors.Is(err, models.ErrPrecondition))
}

func TestNiftiRoundTrip(t *testing.T) {
	affine := [4][4]float64{
		{2, 0, 0, -10},
		{0, 2, 0, -20},
		{0, 0, 3, 5},
		{0, 0, 0, 1},
	}
	vol := models.NewVolume(3, 2, 2, affine)
	for i := range vol.Data {
		vol.Data[i] = float64(i) * 0.5
	}

	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, WriteNifti(path, vol))

		got, err := ReadNifti(path)
		require.NoError(t, err, name)
		assert.Equal(t, 3, got.Width)
		assert.Equal(t, 2, got.Height)
		assert.Equal(t, 2, got.Depth)
		assert.Equal(t, vol.Data, got.Data)
		assert.Equal(t, affine, got.Affine)
	}
}

func TestNiftiScalingAndQform(t *testing.T) {
	h := NiftiHeader{
		SizeofHdr: niftiHeaderSize,
		Dim:       [8]int16{3, 2, 1, 1, 1, 1, 1, 1},
		Datatype:  niftiInt16,
		Bitpix:    16,
		VoxOffset: niftiMinDataOffset,
		SclSlope:  2,
		SclInter:  1,
		QformCode: 1,
		QoffsetX:  4,
		Magic:     niftiMagic,
	}
	h.Pixdim = [8]float32{1, 1.5, 1.5, 1.5}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []int16{3, -4}))
	path := filepath.Join(t.TempDir(), "scaled.nii")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	got, err := ReadNifti(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, -7}, got.Data)
	assert.InDelta(t, 1.5, got.Affine[0][0], 1e-9)
	assert.InDelta(t, 1.5, got.Affine[2][2], 1e-9)
	assert.InDelta(t, 4, got.Affine[0][3], 1e-9)
}

func TestNiftiRejectsBadMagic(t *testing.T) {
	h := NiftiHeader{SizeofHdr: niftiHeaderSize, Dim: [8]int16{3, 1, 1, 1}}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))
	buf.Write(make([]byte, 8))
	path := filepath.Join(t.TempDir(), "bad.nii")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	_, err := ReadNifti(path)
	assert.Error(t, err)
}

func TestWriteNiftiRejectsOversizedDimensions(t *testing.T) {
	vol := models.NewVolume(1<<15, 1, 1, models.IdentityAffine())
	path := filepath.Join(t.TempDir(), "wide.nii")
	err := WriteNifti(path, vol)
	assert.True(t, errors.Is(err, models.ErrPrecondition))
	assert.NoFileExists(t, path)

	vol = models.NewVolume(1<<15-1, 1, 1, models.IdentityAffine())
	require.NoError(t, WriteNifti(path, vol))
	got, err := ReadNifti(path)
	require.NoError(t, err)
	assert.Equal(t, 1<<15-1, got.Width)
}

func TestWriteNiftiReportsCreateErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	vol := models.NewVolume(1, 1, 1, models.IdentityAffine())
	assert.Error(t, WriteNifti(filepath.Join(blocker, "vol.nii"), vol))
}

func TestQformHalfTurnNormalizesQuaternion(t *testing.T) {
	tests := []struct {
		name    string
		b, c, d float32
		want    [3]float64
	}{
		{"about x", 1.01, 0, 0, [3]float64{1, -1, -1}},
		{"about y", 0, 1.00001, 0, [3]float64{-1, 1, -1}},
		{"about z", 0, 0, 1.2, [3]float64{-1, -1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NiftiHeader{QformCode: 1, QuaternB: tt.b, QuaternC: tt.c, QuaternD: tt.d}
			h.Pixdim = [8]float32{1, 2, 2, 2}
			a := h.Affine()
			for i := 0; i < 3; i++ {
				assert.InDelta(t, 2*tt.want[i], a[i][i], 1e-6, "diagonal %d", i)
				for j := 0; j < 3; j++ {
					if i != j {
						assert.InDelta(t, 0, a[i][j], 1e-6)
					}
				}
			}
		})
	}
}
