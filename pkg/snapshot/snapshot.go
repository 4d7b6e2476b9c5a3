// Package snapshot renders quick-look 2D previews of stage outputs so a
// run can be eyeballed without a NIfTI viewer. Previews are a QC aid:
// failures are reported but never abort the pipeline.
package snapshot

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"brainprep/pkg/volume"
)

// ExtractSlice renders one 2D slice of the volume along the given axis
// ("x", "y" or "z"), normalizing intensities into the 16-bit gray range.
func ExtractSlice(v *volume.Volume, axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	g := v.Grid

	peak := 0.0
	for _, val := range v.Data {
		if val > peak {
			peak = val
		}
	}
	scale := 0.0
	if peak > 0 {
		scale = 65535 / peak
	}
	gray := func(val float64) color.Gray16 {
		return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, val*scale)))}
	}

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position >= g.Nx {
			return nil, fmt.Errorf("position %d exceeds x dimension %d", position, g.Nx)
		}
		img = image.NewGray16(image.Rect(0, 0, g.Ny, g.Nz))
		for z := 0; z < g.Nz; z++ {
			for y := 0; y < g.Ny; y++ {
				img.SetGray16(y, z, gray(v.At(position, y, z)))
			}
		}
	case "y", "Y":
		if position >= g.Ny {
			return nil, fmt.Errorf("position %d exceeds y dimension %d", position, g.Ny)
		}
		img = image.NewGray16(image.Rect(0, 0, g.Nx, g.Nz))
		for z := 0; z < g.Nz; z++ {
			for x := 0; x < g.Nx; x++ {
				img.SetGray16(x, z, gray(v.At(x, position, z)))
			}
		}
	case "z", "Z":
		if position >= g.Nz {
			return nil, fmt.Errorf("position %d exceeds z dimension %d", position, g.Nz)
		}
		img = image.NewGray16(image.Rect(0, 0, g.Nx, g.Ny))
		for y := 0; y < g.Ny; y++ {
			for x := 0; x < g.Nx; x++ {
				img.SetGray16(x, y, gray(v.At(x, y, position)))
			}
		}
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveMidSlices writes one axial mid-slice JPEG per volume of the set
// (including the labelmap) into dir, named <modality>.jpg.
func SaveMidSlices(set *volume.VolumeSet, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	save := func(v *volume.Volume) error {
		img, err := ExtractSlice(v, "z", v.Grid.Nz/2)
		if err != nil {
			return err
		}
		f, err := os.Create(filepath.Join(dir, v.Name+".jpg"))
		if err != nil {
			return err
		}
		defer f.Close()
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	}

	for _, name := range set.Names() {
		if err := save(set.Volume(name)); err != nil {
			return err
		}
	}
	if set.Label() != nil {
		if err := save(set.Label()); err != nil {
			return err
		}
	}
	return nil
}
