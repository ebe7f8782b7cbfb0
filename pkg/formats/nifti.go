package formats

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"surfalign/internal/models"
)

// NiftiHeader is the 348-byte NIfTI-1 header.
type NiftiHeader struct {
	SizeofHdr      int32      // Must be 348
	DataType       [10]byte   // Unused
	DbName         [18]byte   // Unused
	Extents        int32      // Unused
	SessionError   int16      // Unused
	Regular        byte       // Unused
	DimInfo        byte       // MRI slice ordering
	Dim            [8]int16   // Data array dimensions
	IntentP1       float32    // 1st intent parameter
	IntentP2       float32    // 2nd intent parameter
	IntentP3       float32    // 3rd intent parameter
	IntentCode     int16      // NIFTI_INTENT_* code
	Datatype       int16      // Defines data type
	Bitpix         int16      // Number bits/voxel
	SliceStart     int16      // First slice index
	Pixdim         [8]float32 // Grid spacing
	VoxOffset      float32    // Offset into .nii file
	SclSlope       float32    // Data scaling: slope
	SclInter       float32    // Data scaling: offset
	SliceEnd       int16      // Last slice index
	SliceCode      byte       // Slice timing order
	XyztUnits      byte       // Units of pixdim[1..4]
	CalMax         float32    // Max display intensity
	CalMin         float32    // Min display intensity
	SliceDuration  float32    // Time for 1 slice
	Toffset        float32    // Time axis shift
	Glmax          int32      // Unused
	Glmin          int32      // Unused
	Descrip        [80]byte   // Any text you like
	AuxFile        [24]byte   // Auxiliary filename
	QformCode      int16      // NIFTI_XFORM_* code
	SformCode      int16      // NIFTI_XFORM_* code
	QuaternB       float32    // Quaternion b param
	QuaternC       float32    // Quaternion c param
	QuaternD       float32    // Quaternion d param
	QoffsetX       float32    // Quaternion x shift
	QoffsetY       float32    // Quaternion y shift
	QoffsetZ       float32    // Quaternion z shift
	SrowX          [4]float32 // 1st row affine transform
	SrowY          [4]float32 // 2nd row affine transform
	SrowZ          [4]float32 // 3rd row affine transform
	IntentName     [16]byte   // 'name' or meaning of data
	Magic          [4]byte    // Must be "n+1\0" for single-file NIfTI
}

const (
	niftiHeaderSize    = 348
	niftiMinDataOffset = 352

	niftiUint8   = 2
	niftiInt16   = 4
	niftiInt32   = 8
	niftiFloat32 = 16
	niftiFloat64 = 64
	niftiInt8    = 256
	niftiUint16  = 512
	niftiUint32  = 768
)

var niftiMagic = [4]byte{'n', '+', '1', 0}

func readNiftiBytes(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: opening gzip stream: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// readNiftiHeader decodes the header, detecting byte order from dim[0].
func readNiftiHeader(data []byte) (NiftiHeader, binary.ByteOrder, error) {
	var h NiftiHeader
	if len(data) < niftiHeaderSize {
		return h, nil, fmt.Errorf("file shorter than a NIfTI-1 header")
	}
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(data), order, &h); err != nil {
		return h, nil, err
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		order = binary.BigEndian
		h = NiftiHeader{}
		if err := binary.Read(bytes.NewReader(data), order, &h); err != nil {
			return h, nil, err
		}
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return h, nil, fmt.Errorf("dim[0] = %d is not in range [1, 7]", h.Dim[0])
	}
	if h.SizeofHdr != niftiHeaderSize {
		return h, nil, fmt.Errorf("invalid header size %d for NIfTI-1", h.SizeofHdr)
	}
	if h.Magic != niftiMagic {
		return h, nil, fmt.Errorf("invalid magic, data must be stored in the same file as the header")
	}
	return h, order, nil
}

// Affine returns the voxel-to-world matrix: sform when set, else qform,
// else a pixdim scaling.
func (h NiftiHeader) Affine() [4][4]float64 {
	if h.SformCode > 0 {
		var a [4][4]float64
		for c := 0; c < 4; c++ {
			a[0][c] = float64(h.SrowX[c])
			a[1][c] = float64(h.SrowY[c])
			a[2][c] = float64(h.SrowZ[c])
		}
		a[3][3] = 1
		return a
	}
	if h.QformCode > 0 {
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 1e-7 {
			// 180 degree rotation; (b, c, d) must be a unit vector
			n := math.Sqrt(b*b + c*c + d*d)
			b, c, d = b/n, c/n, d/n
			a = 0
		} else {
			a = math.Sqrt(a)
		}
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])*qfac
		return [4][4]float64{
			{(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QoffsetX)},
			{2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QoffsetY)},
			{2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QoffsetZ)},
			{0, 0, 0, 1},
		}
	}
	aff := models.IdentityAffine()
	for i := 0; i < 3; i++ {
		if p := float64(h.Pixdim[i+1]); p > 0 {
			aff[i][i] = p
		}
	}
	return aff
}

// ReadNifti loads the first 3D frame of a .nii or .nii.gz volume, applying
// scl_slope/scl_inter when set.
func ReadNifti(path string) (*models.Volume, error) {
	data, err := readNiftiBytes(path)
	if err != nil {
		return nil, err
	}
	h, order, err := readNiftiHeader(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < int(h.Dim[0]); i++ {
		dims[i] = int(h.Dim[i+1])
		if dims[i] <= 0 {
			return nil, fmt.Errorf("%s: invalid dimension %d along axis %d", path, dims[i], i)
		}
	}
	n := dims[0] * dims[1] * dims[2]

	offset := int(h.VoxOffset)
	if offset < niftiMinDataOffset {
		offset = niftiMinDataOffset
	}
	if offset > len(data) {
		return nil, fmt.Errorf("%s: file has fewer bytes than vox_offset requires", path)
	}

	values, err := decodeNiftiData(data[offset:], h.Datatype, order, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i := range values {
			values[i] = slope*values[i] + inter
		}
	}

	return &models.Volume{
		Data:   values,
		Width:  dims[0],
		Height: dims[1],
		Depth:  dims[2],
		Affine: h.Affine(),
	}, nil
}

func decodeNiftiData(raw []byte, datatype int16, order binary.ByteOrder, n int) ([]float64, error) {
	var size int
	switch datatype {
	case niftiUint8, niftiInt8:
		size = 1
	case niftiInt16, niftiUint16:
		size = 2
	case niftiInt32, niftiUint32, niftiFloat32:
		size = 4
	case niftiFloat64:
		size = 8
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
	if len(raw) < n*size {
		return nil, fmt.Errorf("voxel data holds %d bytes, expected %d", len(raw), n*size)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		switch datatype {
		case niftiUint8:
			out[i] = float64(b[0])
		case niftiInt8:
			out[i] = float64(int8(b[0]))
		case niftiInt16:
			out[i] = float64(int16(order.Uint16(b)))
		case niftiUint16:
			out[i] = float64(order.Uint16(b))
		case niftiInt32:
			out[i] = float64(int32(order.Uint32(b)))
		case niftiUint32:
			out[i] = float64(order.Uint32(b))
		case niftiFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case niftiFloat64:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return out, nil
}

// WriteNifti writes a little-endian FLOAT32 single-file NIfTI-1 volume,
// gzip-compressed when path ends in .gz.
func WriteNifti(path string, vol *models.Volume) (err error) {
	if err := vol.Validate(); err != nil {
		return err
	}
	for _, n := range []int{vol.Width, vol.Height, vol.Depth} {
		if n > math.MaxInt16 {
			return models.Preconditionf("volume dimensions %dx%dx%d exceed the NIfTI-1 limit of %d",
				vol.Width, vol.Height, vol.Depth, math.MaxInt16)
		}
	}
	h := NiftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Dim:       [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1},
		Datatype:  niftiFloat32,
		Bitpix:    32,
		VoxOffset: niftiMinDataOffset,
		SclSlope:  1,
		SformCode: 1,
		XyztUnits: 2, // millimetres
		Magic:     niftiMagic,
	}
	h.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		col := math.Sqrt(vol.Affine[0][i]*vol.Affine[0][i] + vol.Affine[1][i]*vol.Affine[1][i] + vol.Affine[2][i]*vol.Affine[2][i])
		h.Pixdim[i+1] = float32(col)
	}
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(vol.Affine[0][c])
		h.SrowY[c] = float32(vol.Affine[1][c])
		h.SrowZ[c] = float32(vol.Affine[2][c])
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("encoding NIfTI header: %w", err)
	}
	buf.Write([]byte{0, 0, 0, 0}) // no extensions
	raw := make([]byte, 4*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
	}
	buf.Write(raw)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", path, cerr)
		}
	}()

	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(buf.Bytes()); err != nil {
			return err
		}
		return gz.Close()
	}
	_, err = f.Write(buf.Bytes())
	return err
}
