// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). Only the subset of the format the pipeline needs is handled:
// 3-D grids, scalar datatypes, axis-aligned sform geometry.
//
// Header layout follows the official definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// NIfTI-1 datatype codes for the voxel types the codec understands.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
)

const (
	headerSize    = 348
	dataOffset    = 352 // header + 4 extension bytes
	xformScanner  = 1   // NIFTI_XFORM_SCANNER_ANAT
	unitsMMAndSec = 10  // NIFTI_UNITS_MM | NIFTI_UNITS_SEC
)

// Header is the fixed 348-byte NIfTI-1 header.
//
// Type translation from the C header: int -> int32, float -> float32,
// short -> int16, char -> int8.
type Header struct {
	SizeOfHdr          int32
	UnusedDataType     [10]int8
	UnusedDbName       [18]int8
	UnusedExtents      int32
	UnusedSessionError int16
	UnusedRegular      int8
	DimInfo            int8

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     int8
	XYZTUnits     int8
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	UnusedGlmax   int32
	UnusedGlmin   int32

	Descrip [80]int8
	AuxFile [24]int8

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]int8

	Magic [4]int8
}

// Image is the decoded volume: grid shape, spacing, world origin and the
// voxel values widened to float64 in x-fastest order.
type Image struct {
	Nx, Ny, Nz int
	Dx, Dy, Dz float64
	Ox, Oy, Oz float64

	// Data holds Nx*Ny*Nz voxel values
	Data []float64

	// IntegerData selects an integer on-disk datatype (int16) when the
	// image is written, preserving categorical values exactly
	IntegerData bool

	// DoubleData selects the 64-bit float on-disk datatype when the
	// image is written, so volumes read from float64 files survive a
	// read-write cycle without narrowing
	DoubleData bool
}

// ReadFile reads a .nii or .nii.gz volume.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Decode parses a complete NIfTI-1 file held in memory.
func Decode(raw []byte) (*Image, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("file too short for a NIfTI-1 header: %d bytes", len(raw))
	}

	h, order, err := readHeader(raw)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"dim":      h.Dim,
		"datatype": h.DataType,
		"order":    order.String(),
	}).Debug("decoded nifti header")

	if h.Dim[1] < 1 || h.Dim[2] < 1 || h.Dim[3] < 0 {
		return nil, fmt.Errorf("invalid grid shape %dx%dx%d", h.Dim[1], h.Dim[2], h.Dim[3])
	}
	bits, ok := datatypeBits(int(h.DataType))
	if !ok {
		return nil, fmt.Errorf("unsupported nifti datatype %d", h.DataType)
	}
	if int(h.BitPix) != bits {
		return nil, fmt.Errorf("bitpix %d does not match datatype %d", h.BitPix, h.DataType)
	}

	img := &Image{
		Nx: int(h.Dim[1]),
		Ny: int(h.Dim[2]),
		Nz: int(h.Dim[3]),
		Dx: float64(h.PixDim[1]),
		Dy: float64(h.PixDim[2]),
		Dz: float64(h.PixDim[3]),
	}
	if img.Nz == 0 {
		img.Nz = 1
	}
	if img.Dx == 0 {
		img.Dx = 1
	}
	if img.Dy == 0 {
		img.Dy = 1
	}
	if img.Dz == 0 {
		img.Dz = 1
	}

	// Origin comes from the sform translation column when present,
	// falling back to the qform offsets.
	if h.SFormCode > 0 {
		img.Ox = float64(h.SRowX[3])
		img.Oy = float64(h.SRowY[3])
		img.Oz = float64(h.SRowZ[3])
	} else {
		img.Ox = float64(h.QOffsetX)
		img.Oy = float64(h.QOffsetY)
		img.Oz = float64(h.QOffsetZ)
	}

	nvox := img.Nx * img.Ny * img.Nz
	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	need := offset + nvox*bits/8
	if len(raw) < need {
		return nil, fmt.Errorf("truncated voxel data: have %d bytes, need %d", len(raw), need)
	}

	data, err := decodeVoxels(raw[offset:need], int(h.DataType), nvox, order)
	if err != nil {
		return nil, err
	}

	// Apply the header's linear intensity scaling when set.
	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	img.Data = data
	img.DoubleData = h.DataType == DTFloat64
	return img, nil
}

// readHeader parses the fixed header, inferring the file's byte order
// from dim[0], which must be in [1,7] for the correct order.
func readHeader(raw []byte) (Header, binary.ByteOrder, error) {
	var h Header
	var order binary.ByteOrder = binary.LittleEndian

	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return h, order, err
	}
	if h.Dim[0] <= 0 || h.Dim[0] > 7 {
		h = Header{}
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return h, order, err
		}
	}
	if h.Dim[0] <= 0 || h.Dim[0] > 7 {
		return h, order, fmt.Errorf("cannot infer byte order: dim[0] not in [1,7]")
	}
	if h.SizeOfHdr != headerSize {
		return h, order, fmt.Errorf("invalid header size %d, want %d", h.SizeOfHdr, headerSize)
	}
	// Only single-file images ("n+1") are supported.
	if h.Magic != [4]int8{'n', '+', '1', 0} {
		return h, order, fmt.Errorf("unsupported file magic %v, want n+1", h.Magic)
	}
	return h, order, nil
}

// datatypeBits returns the voxel width the header's bitpix must carry
// for a given datatype. ok is false for datatypes the codec does not
// understand.
func datatypeBits(datatype int) (int, bool) {
	switch datatype {
	case DTUint8:
		return 8, true
	case DTInt16:
		return 16, true
	case DTInt32, DTFloat32:
		return 32, true
	case DTFloat64:
		return 64, true
	}
	return 0, false
}

func decodeVoxels(raw []byte, datatype, nvox int, order binary.ByteOrder) ([]float64, error) {
	data := make([]float64, nvox)
	switch datatype {
	case DTUint8:
		for i := 0; i < nvox; i++ {
			data[i] = float64(raw[i])
		}
	case DTInt16:
		for i := 0; i < nvox; i++ {
			data[i] = float64(int16(order.Uint16(raw[2*i:])))
		}
	case DTInt32:
		for i := 0; i < nvox; i++ {
			data[i] = float64(int32(order.Uint32(raw[4*i:])))
		}
	case DTFloat32:
		for i := 0; i < nvox; i++ {
			data[i] = float64(math.Float32frombits(order.Uint32(raw[4*i:])))
		}
	case DTFloat64:
		for i := 0; i < nvox; i++ {
			data[i] = math.Float64frombits(order.Uint64(raw[8*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported nifti datatype %d", datatype)
	}
	return data, nil
}

// WriteFile writes the image as a single-file NIfTI-1 volume. Paths
// ending in .gz are gzip-compressed. Intensity images are stored as
// float32 (float64 when tagged DoubleData), integer-tagged images as
// int16.
func WriteFile(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := Encode(w, img); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return f.Close()
}

// Encode serializes the image in little-endian byte order.
func Encode(w io.Writer, img *Image) error {
	if len(img.Data) != img.Nx*img.Ny*img.Nz {
		return fmt.Errorf("data length %d does not match grid %dx%dx%d",
			len(img.Data), img.Nx, img.Ny, img.Nz)
	}

	h := Header{
		SizeOfHdr: headerSize,
		DataType:  DTFloat32,
		BitPix:    32,
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: unitsMMAndSec,
		QFormCode: 0,
		SFormCode: xformScanner,
		Magic:     [4]int8{'n', '+', '1', 0},
	}
	if img.IntegerData {
		h.DataType = DTInt16
		h.BitPix = 16
	} else if img.DoubleData {
		h.DataType = DTFloat64
		h.BitPix = 64
	}

	h.Dim[0] = 3
	h.Dim[1] = int16(img.Nx)
	h.Dim[2] = int16(img.Ny)
	h.Dim[3] = int16(img.Nz)
	for i := 4; i < 8; i++ {
		h.Dim[i] = 1
	}
	h.PixDim[0] = 1
	h.PixDim[1] = float32(img.Dx)
	h.PixDim[2] = float32(img.Dy)
	h.PixDim[3] = float32(img.Dz)

	// Axis-aligned sform: diagonal spacing plus the world origin.
	h.SRowX = [4]float32{float32(img.Dx), 0, 0, float32(img.Ox)}
	h.SRowY = [4]float32{0, float32(img.Dy), 0, float32(img.Oy)}
	h.SRowZ = [4]float32{0, 0, float32(img.Dz), float32(img.Oz)}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// Four zero extension bytes pad the header to the data offset.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	if img.IntegerData {
		buf := make([]byte, 2*len(img.Data))
		for i, v := range img.Data {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(math.Round(v))))
		}
		_, err := w.Write(buf)
		return err
	}

	if img.DoubleData {
		buf := make([]byte, 8*len(img.Data))
		for i, v := range img.Data {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
		}
		_, err := w.Write(buf)
		return err
	}

	buf := make([]byte, 4*len(img.Data))
	for i, v := range img.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	_, err := w.Write(buf)
	return err
}
