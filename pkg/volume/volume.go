// Package volume defines the in-memory representation of volumetric scans:
// the voxel grid geometry, individual volumes tagged by modality, and the
// VolumeSet table that the pipeline stages pass between each other.
package volume

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"brainprep/pkg/nifti"
)

// Kind distinguishes intensity images from categorical labelmaps.
// The distinction drives the interpolation rule: labelmaps must never be
// resampled with a blending kernel.
type Kind int

const (
	// Intensity marks a continuous-valued scan (T1w, FLAIR, ...).
	Intensity Kind = iota

	// Label marks a categorical labelmap whose voxel values index
	// discrete classes and must be preserved exactly under resampling.
	Label
)

// LabelName is the fixed modality key and filename stem used for the
// labelmap in every stage output directory.
const LabelName = "Label"

// spacingTol is the tolerance used when comparing voxel spacings,
// which travel through float32 NIfTI headers.
const spacingTol = 1e-6

// Grid describes a discrete voxel grid: shape in voxels, spacing in mm
// and the world coordinate of voxel (0,0,0).
type Grid struct {
	// Nx, Ny, Nz are the grid dimensions in voxels
	Nx, Ny, Nz int

	// Dx, Dy, Dz are the voxel spacings in mm
	Dx, Dy, Dz float64

	// Ox, Oy, Oz is the world-space position of voxel (0,0,0) in mm
	Ox, Oy, Oz float64
}

// NumVoxels returns the total voxel count of the grid.
func (g Grid) NumVoxels() int {
	return g.Nx * g.Ny * g.Nz
}

// Equal reports whether two grids describe the same discrete space.
// Shapes must match exactly; spacings and origins within tolerance.
func (g Grid) Equal(o Grid) bool {
	if g.Nx != o.Nx || g.Ny != o.Ny || g.Nz != o.Nz {
		return false
	}
	near := func(a, b float64) bool { return math.Abs(a-b) <= spacingTol }
	return near(g.Dx, o.Dx) && near(g.Dy, o.Dy) && near(g.Dz, o.Dz) &&
		near(g.Ox, o.Ox) && near(g.Oy, o.Oy) && near(g.Oz, o.Oz)
}

// Index returns the linear index of voxel (x,y,z) in x-fastest order.
func (g Grid) Index(x, y, z int) int {
	return (z*g.Ny+y)*g.Nx + x
}

// World returns the world coordinate of voxel center (x,y,z).
func (g Grid) World(x, y, z int) (wx, wy, wz float64) {
	return g.Ox + float64(x)*g.Dx, g.Oy + float64(y)*g.Dy, g.Oz + float64(z)*g.Dz
}

// Voxel maps a world coordinate to continuous voxel coordinates.
func (g Grid) Voxel(wx, wy, wz float64) (x, y, z float64) {
	return (wx - g.Ox) / g.Dx, (wy - g.Oy) / g.Dy, (wz - g.Oz) / g.Dz
}

// Center returns the world coordinate of the grid's geometric center.
func (g Grid) Center() (wx, wy, wz float64) {
	return g.Ox + float64(g.Nx-1)*g.Dx/2,
		g.Oy + float64(g.Ny-1)*g.Dy/2,
		g.Oz + float64(g.Nz-1)*g.Dz/2
}

// Volume is one scan: a named voxel grid with its data loaded in memory.
type Volume struct {
	// Name is the modality key, unique within a VolumeSet
	Name string

	// Kind tags the volume as intensity image or labelmap
	Kind Kind

	// Grid describes the voxel geometry
	Grid Grid

	// Data holds the voxel values in x-fastest order, length Grid.NumVoxels()
	Data []float64

	// DoublePrecision marks a volume read from a 64-bit float file;
	// it is written back at the same precision so a pass-through run
	// reproduces the input voxel for voxel
	DoublePrecision bool

	// Path is the file the volume was loaded from, empty for derived volumes
	Path string
}

// New allocates a zero-filled volume on the given grid.
func New(name string, kind Kind, g Grid) *Volume {
	return &Volume{
		Name: name,
		Kind: kind,
		Grid: g,
		Data: make([]float64, g.NumVoxels()),
	}
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{Name: v.Name, Kind: v.Kind, Grid: v.Grid, DoublePrecision: v.DoublePrecision, Path: v.Path}
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return out
}

// At returns the voxel value at (x,y,z); out-of-range indices read as zero.
func (v *Volume) At(x, y, z int) float64 {
	if x < 0 || y < 0 || z < 0 || x >= v.Grid.Nx || y >= v.Grid.Ny || z >= v.Grid.Nz {
		return 0
	}
	return v.Data[v.Grid.Index(x, y, z)]
}

// VolumeSet is the table of modalities one pipeline run operates on.
// Modality iteration order is fixed at load time so every stage visits
// volumes in the same order and output listings stay deterministic.
type VolumeSet struct {
	names     []string
	volumes   map[string]*Volume
	label     *Volume
	reference string
}

// NewSet builds a VolumeSet from already-loaded volumes. The modality
// order is the sorted volume names. The first name becomes the default
// reference.
func NewSet(volumes []*Volume, label *Volume) (*VolumeSet, error) {
	if len(volumes) == 0 {
		return nil, &EmptyInputError{}
	}
	s := &VolumeSet{volumes: make(map[string]*Volume, len(volumes))}
	for _, v := range volumes {
		if _, dup := s.volumes[v.Name]; dup {
			return nil, fmt.Errorf("duplicate modality %q", v.Name)
		}
		s.volumes[v.Name] = v
		s.names = append(s.names, v.Name)
	}
	sort.Strings(s.names)
	s.reference = s.names[0]
	s.label = label
	return s, nil
}

// Load reads every modality (and the optional labelmap) from disk.
// All paths are checked before any file is parsed so a missing input
// fails fast without partial loads.
func Load(pathsByModality map[string]string, labelPath string) (*VolumeSet, error) {
	if len(pathsByModality) == 0 {
		return nil, &EmptyInputError{}
	}

	names := make([]string, 0, len(pathsByModality))
	for name := range pathsByModality {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := checkFile(pathsByModality[name]); err != nil {
			return nil, err
		}
	}
	if labelPath != "" {
		if err := checkFile(labelPath); err != nil {
			return nil, err
		}
	}

	volumes := make([]*Volume, 0, len(names))
	for _, name := range names {
		v, err := Read(pathsByModality[name], name, Intensity)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}

	var label *Volume
	if labelPath != "" {
		var err error
		label, err = Read(labelPath, LabelName, Label)
		if err != nil {
			return nil, err
		}
	}

	return NewSet(volumes, label)
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return &MissingFileError{Path: path}
	}
	return nil
}

// Read loads a single NIfTI volume from disk.
func Read(path, name string, kind Kind) (*Volume, error) {
	img, err := nifti.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &Volume{
		Name: name,
		Kind: kind,
		Grid: Grid{
			Nx: img.Nx, Ny: img.Ny, Nz: img.Nz,
			Dx: img.Dx, Dy: img.Dy, Dz: img.Dz,
			Ox: img.Ox, Oy: img.Oy, Oz: img.Oz,
		},
		Data:            img.Data,
		DoublePrecision: img.DoubleData,
		Path:            path,
	}, nil
}

// Names returns the modality names in iteration order.
// The returned slice is shared; callers must not modify it.
func (s *VolumeSet) Names() []string {
	return s.names
}

// Volume returns the volume registered under name, or nil.
func (s *VolumeSet) Volume(name string) *Volume {
	return s.volumes[name]
}

// Label returns the labelmap, or nil if the set has none.
func (s *VolumeSet) Label() *Volume {
	return s.label
}

// Reference returns the designated reference modality name.
func (s *VolumeSet) Reference() string {
	return s.reference
}

// SetReference designates the reference modality. The name must be one
// of the set's modality keys.
func (s *VolumeSet) SetReference(name string) error {
	if _, ok := s.volumes[name]; !ok {
		return &UnknownReferenceError{Name: name, Known: s.names}
	}
	s.reference = name
	return nil
}

// ReferenceVolume returns the reference volume.
func (s *VolumeSet) ReferenceVolume() *Volume {
	return s.volumes[s.reference]
}

// Derive builds a new set with the same modality order, reference and
// label presence as s, from per-modality replacement volumes. Stages use
// it to hand a fresh output set forward without mutating their input.
func (s *VolumeSet) Derive(volumes map[string]*Volume, label *Volume) (*VolumeSet, error) {
	out := &VolumeSet{
		names:     s.names,
		volumes:   make(map[string]*Volume, len(s.names)),
		label:     label,
		reference: s.reference,
	}
	for _, name := range s.names {
		v, ok := volumes[name]
		if !ok {
			return nil, fmt.Errorf("derived set is missing modality %q", name)
		}
		out.volumes[name] = v
	}
	return out, nil
}

// CheckUniformGrid verifies that every volume (and the labelmap) shares
// one grid. It returns a GridMismatchError naming the first offender.
func (s *VolumeSet) CheckUniformGrid() error {
	ref := s.ReferenceVolume()
	for _, name := range s.names {
		if v := s.volumes[name]; !v.Grid.Equal(ref.Grid) {
			return &GridMismatchError{Modality: name, Want: ref.Grid, Got: v.Grid}
		}
	}
	if s.label != nil && !s.label.Grid.Equal(ref.Grid) {
		return &GridMismatchError{Modality: LabelName, Want: ref.Grid, Got: s.label.Grid}
	}
	return nil
}

// Write stores every volume (and the labelmap if present) under dir
// using the <prefix><modality>.nii.gz convention. Existing files are
// overwritten so repeated runs are idempotent.
func (s *VolumeSet) Write(dir, prefix string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &IOWriteError{Path: dir, Err: err}
	}
	for _, name := range s.names {
		if err := writeVolume(s.volumes[name], dir, prefix+name); err != nil {
			return err
		}
	}
	if s.label != nil {
		if err := writeVolume(s.label, dir, prefix+LabelName); err != nil {
			return err
		}
	}
	return nil
}

func writeVolume(v *Volume, dir, stem string) error {
	path := filepath.Join(dir, stem+".nii.gz")
	img := &nifti.Image{
		Nx: v.Grid.Nx, Ny: v.Grid.Ny, Nz: v.Grid.Nz,
		Dx: v.Grid.Dx, Dy: v.Grid.Dy, Dz: v.Grid.Dz,
		Ox: v.Grid.Ox, Oy: v.Grid.Oy, Oz: v.Grid.Oz,
		Data: v.Data,
	}
	if v.Kind == Label {
		img.IntegerData = true
	} else if v.DoublePrecision {
		img.DoubleData = true
	}
	if err := nifti.WriteFile(path, img); err != nil {
		return &IOWriteError{Path: path, Err: err}
	}
	return nil
}

// ReadSet reloads a stage output directory written by Write, preserving
// the modality order and reference of the original set layout.
func ReadSet(dir, prefix string, modalities []string, reference string, hasLabel bool) (*VolumeSet, error) {
	paths := make(map[string]string, len(modalities))
	for _, name := range modalities {
		paths[name] = filepath.Join(dir, prefix+name+".nii.gz")
	}
	labelPath := ""
	if hasLabel {
		labelPath = filepath.Join(dir, prefix+LabelName+".nii.gz")
	}
	set, err := Load(paths, labelPath)
	if err != nil {
		return nil, err
	}
	if err := set.SetReference(reference); err != nil {
		return nil, err
	}
	return set, nil
}
