package volume

import (
	"fmt"
	"strings"
)

// MissingFileError reports an input path that does not exist or is not a
// regular file.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("input file %s does not exist", e.Path)
}

// EmptyInputError reports an empty modality table.
type EmptyInputError struct{}

func (e *EmptyInputError) Error() string {
	return "no input modalities given"
}

// UnknownReferenceError reports a reference name that is not a modality
// key of the set.
type UnknownReferenceError struct {
	Name  string
	Known []string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("reference %q is not an input modality (have %s)",
		e.Name, strings.Join(e.Known, ", "))
}

// GridMismatchError reports a volume whose grid differs from the grid the
// rest of the set shares. It signals a violated stage precondition, not a
// recoverable condition.
type GridMismatchError struct {
	Modality string
	Want     Grid
	Got      Grid
}

func (e *GridMismatchError) Error() string {
	return fmt.Sprintf("grid mismatch for %s: want %dx%dx%d @ %.3gx%.3gx%.3g mm, got %dx%dx%d @ %.3gx%.3gx%.3g mm",
		e.Modality,
		e.Want.Nx, e.Want.Ny, e.Want.Nz, e.Want.Dx, e.Want.Dy, e.Want.Dz,
		e.Got.Nx, e.Got.Ny, e.Got.Nz, e.Got.Dx, e.Got.Dy, e.Got.Dz)
}

// IOWriteError reports a failed write of a stage output file.
type IOWriteError struct {
	Path string
	Err  error
}

func (e *IOWriteError) Error() string {
	return fmt.Sprintf("writing %s: %v", e.Path, e.Err)
}

func (e *IOWriteError) Unwrap() error { return e.Err }
