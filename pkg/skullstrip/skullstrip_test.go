package skullstrip

import (
	"errors"
	"testing"

	"brainprep/pkg/volume"
)

// makeHead builds a synthetic head: a bright brain ball plus a small
// detached bright speck that extraction should discard
func makeHead(name string, g volume.Grid) *volume.Volume {
	v := volume.New(name, volume.Intensity, g)
	cx, cy, cz := g.Nx/2, g.Ny/2, g.Nz/2
	for z := 0; z < g.Nz; z++ {
		for y := 0; y < g.Ny; y++ {
			for x := 0; x < g.Nx; x++ {
				dx, dy, dz := x-cx, y-cy, z-cz
				if dx*dx+dy*dy+dz*dz <= 36 {
					v.Data[g.Index(x, y, z)] = 100
				}
			}
		}
	}
	// Detached speck in a corner, away from the brain.
	v.Data[g.Index(1, 1, 1)] = 100
	return v
}

func headGrid() volume.Grid {
	return volume.Grid{Nx: 24, Ny: 24, Nz: 24, Dx: 1, Dy: 1, Dz: 1}
}

func TestMaskKeepsLargestComponent(t *testing.T) {
	g := headGrid()
	head := makeHead("T1w", g)

	mask, err := OtsuExtractor{}.Mask(head)
	if err != nil {
		t.Fatalf("Mask extraction failed: %v", err)
	}

	if mask.Data[g.Index(g.Nx/2, g.Ny/2, g.Nz/2)] != 1 {
		t.Error("Brain center should be inside the mask")
	}
	if mask.Data[g.Index(1, 1, 1)] != 0 {
		t.Error("Detached speck should be discarded")
	}
	for i, v := range mask.Data {
		if v != 0 && v != 1 {
			t.Fatalf("Mask voxel %d has non-binary value %g", i, v)
		}
	}
}

func TestMaskRejectsUniformVolume(t *testing.T) {
	g := headGrid()
	flat := volume.New("T1w", volume.Intensity, g)

	_, err := OtsuExtractor{}.Mask(flat)
	var stripErr *SkullStrippingError
	if !errors.As(err, &stripErr) {
		t.Fatalf("Expected SkullStrippingError for uniform volume, got %v", err)
	}
}

func TestApplyUsesOneMaskForAllModalities(t *testing.T) {
	g := headGrid()
	head := makeHead("T1w", g)

	// Two modalities with identical content must be identical after
	// masking: the same mask is applied to both.
	a := makeHead("T1w", g)
	b := makeHead("T2w", g)
	set, err := volume.NewSet([]*volume.Volume{a, b}, nil)
	if err != nil {
		t.Fatal(err)
	}

	mask, err := OtsuExtractor{}.Mask(head)
	if err != nil {
		t.Fatalf("Mask extraction failed: %v", err)
	}
	out, err := Apply(set, mask)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	ma, mb := out.Volume("T1w"), out.Volume("T2w")
	for i := range ma.Data {
		if ma.Data[i] != mb.Data[i] {
			t.Fatalf("Voxel %d differs across identically valued modalities: %g vs %g",
				i, ma.Data[i], mb.Data[i])
		}
	}

	// Voxels outside the mask are zeroed.
	if ma.Data[g.Index(1, 1, 1)] != 0 {
		t.Error("Speck outside the brain mask should be zeroed")
	}
}

func TestApplyMasksLabelmap(t *testing.T) {
	g := headGrid()
	label := volume.New(volume.LabelName, volume.Label, g)
	for i := range label.Data {
		label.Data[i] = 2
	}
	set, err := volume.NewSet([]*volume.Volume{makeHead("T1w", g)}, label)
	if err != nil {
		t.Fatal(err)
	}

	mask, err := OtsuExtractor{}.Mask(set.ReferenceVolume())
	if err != nil {
		t.Fatal(err)
	}
	out, err := Apply(set, mask)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if out.Label().Data[g.Index(0, 0, 0)] != 0 {
		t.Error("Label voxels outside the mask should be zeroed")
	}
	if out.Label().Data[g.Index(g.Nx/2, g.Ny/2, g.Nz/2)] != 2 {
		t.Error("Label voxels inside the mask should keep their value")
	}
}

func TestApplyRejectsGridMismatch(t *testing.T) {
	g := headGrid()
	other := volume.Grid{Nx: 16, Ny: 16, Nz: 16, Dx: 1, Dy: 1, Dz: 1}

	set, err := volume.NewSet([]*volume.Volume{
		makeHead("T1w", g),
		makeHead("T2w", other),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	mask, err := OtsuExtractor{}.Mask(set.Volume("T1w"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = Apply(set, mask)
	var stripErr *SkullStrippingError
	if !errors.As(err, &stripErr) {
		t.Fatalf("Expected SkullStrippingError, got %v", err)
	}
	var gridErr *volume.GridMismatchError
	if !errors.As(err, &gridErr) {
		t.Fatal("SkullStrippingError should wrap a GridMismatchError")
	}
	if gridErr.Modality != "T2w" {
		t.Errorf("Error should name the mismatched modality, got %q", gridErr.Modality)
	}
}
