package resample

import (
	"testing"

	"brainprep/pkg/registration"
	"brainprep/pkg/volume"
)

func smallGrid() volume.Grid {
	return volume.Grid{Nx: 12, Ny: 10, Nz: 8, Dx: 1, Dy: 1, Dz: 1}
}

func TestIdentityResamplePreservesValues(t *testing.T) {
	g := smallGrid()
	v := volume.New("T1w", volume.Intensity, g)
	for i := range v.Data {
		v.Data[i] = float64(i % 17)
	}

	out, err := ToGrid(v, registration.Identity(), g)
	if err != nil {
		t.Fatalf("Resampling failed: %v", err)
	}
	if !out.Grid.Equal(g) {
		t.Fatal("Output grid should equal the target grid")
	}
	for i := range v.Data {
		if out.Data[i] != v.Data[i] {
			t.Fatalf("Voxel %d: expected %g, got %g", i, v.Data[i], out.Data[i])
		}
	}
}

func TestTranslationMovesContent(t *testing.T) {
	g := smallGrid()
	v := volume.New("T1w", volume.Intensity, g)
	v.Data[g.Index(4, 4, 4)] = 100

	// Shift world content +2 mm along x.
	tr := registration.Identity()
	tr.M.Set(0, 3, 2)

	out, err := ToGrid(v, tr, g)
	if err != nil {
		t.Fatalf("Resampling failed: %v", err)
	}
	if out.At(6, 4, 4) != 100 {
		t.Errorf("Expected the bright voxel at (6,4,4), got %g", out.At(6, 4, 4))
	}
	if out.At(4, 4, 4) != 0 {
		t.Errorf("Original position should be empty, got %g", out.At(4, 4, 4))
	}
}

func TestOutOfRangeReadsAsZero(t *testing.T) {
	g := smallGrid()
	v := volume.New("T1w", volume.Intensity, g)
	for i := range v.Data {
		v.Data[i] = 50
	}

	// Shift so half the target grid samples outside the source.
	tr := registration.Identity()
	tr.M.Set(0, 3, float64(g.Nx))

	out, err := ToGrid(v, tr, g)
	if err != nil {
		t.Fatalf("Resampling failed: %v", err)
	}
	if out.At(0, 0, 0) != 0 {
		t.Errorf("Voxels mapping outside the source should be zero, got %g", out.At(0, 0, 0))
	}
}

// TestLabelResamplingPreservesValueSet verifies that labelmaps never
// acquire interpolated intermediate values, even under a fractional
// world shift that would blend intensity volumes.
func TestLabelResamplingPreservesValueSet(t *testing.T) {
	g := smallGrid()
	label := volume.New(volume.LabelName, volume.Label, g)
	for z := 0; z < g.Nz; z++ {
		for y := 0; y < g.Ny; y++ {
			for x := 0; x < g.Nx; x++ {
				label.Data[g.Index(x, y, z)] = float64((x / 4) % 4) // labels 0..2
			}
		}
	}

	tr := registration.Identity()
	tr.M.Set(0, 3, 0.4)
	tr.M.Set(1, 3, -0.3)

	out, err := ToGrid(label, tr, g)
	if err != nil {
		t.Fatalf("Resampling failed: %v", err)
	}

	allowed := map[float64]bool{0: true, 1: true, 2: true, 3: true}
	for i, v := range out.Data {
		if !allowed[v] {
			t.Fatalf("Voxel %d: labelmap acquired interpolated value %g", i, v)
		}
	}
}

func TestFractionalShiftBlendsIntensity(t *testing.T) {
	g := smallGrid()
	v := volume.New("T1w", volume.Intensity, g)
	v.Data[g.Index(4, 4, 4)] = 100

	tr := registration.Identity()
	tr.M.Set(0, 3, 0.5)

	out, err := ToGrid(v, tr, g)
	if err != nil {
		t.Fatalf("Resampling failed: %v", err)
	}
	// The spike splits evenly between the two neighboring voxels.
	if out.At(4, 4, 4) != 50 || out.At(5, 4, 4) != 50 {
		t.Errorf("Expected 50/50 split, got %g and %g", out.At(4, 4, 4), out.At(5, 4, 4))
	}
}
