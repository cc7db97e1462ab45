package convert

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/jmorganca/safeconvert/fs/safetensors"
)

// maxSizeDrift bounds how much larger the converted file may be than the
// checkpoint, as a fraction of the checkpoint size.
const maxSizeDrift = 0.01

var (
	ErrSizeDrift      = errors.New("file size difference is more than 1%")
	ErrTensorMismatch = errors.New("mismatch in tensors")
)

type SizeDriftError struct {
	Converted     string
	ConvertedSize int64
	Original      string
	OriginalSize  int64
}

func (e *SizeDriftError) Error() string {
	return fmt.Sprintf("the file size difference is more than 1%%:\n  - %s: %d\n  - %s: %d",
		e.Converted, e.ConvertedSize, e.Original, e.OriginalSize)
}

func (e *SizeDriftError) Unwrap() error {
	return ErrSizeDrift
}

// CheckFileSize fails if sfPath grew by more than 1% relative to ptPath.
// Shrinking is always accepted.
func CheckFileSize(sfPath, ptPath string) error {
	sf, err := os.Stat(sfPath)
	if err != nil {
		return err
	}

	pt, err := os.Stat(ptPath)
	if err != nil {
		return err
	}

	drift := float64(sf.Size()-pt.Size()) / float64(pt.Size())
	slog.Debug("file size", "converted", sf.Size(), "original", pt.Size(), "drift", drift)
	if drift > maxSizeDrift {
		return &SizeDriftError{
			Converted:     sfPath,
			ConvertedSize: sf.Size(),
			Original:      ptPath,
			OriginalSize:  pt.Size(),
		}
	}

	return nil
}

type MismatchError struct {
	Name   string
	Reason string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("mismatch in tensors for key %s: %s", e.Name, e.Reason)
}

func (e *MismatchError) Unwrap() error {
	return ErrTensorMismatch
}

// VerifyRoundTrip reloads sfPath and requires every tensor in want to be
// present with identical dtype, shape, and bytes.
func VerifyRoundTrip(sfPath string, want map[string]safetensors.Tensor) error {
	f, err := safetensors.Open(sfPath)
	if err != nil {
		return err
	}
	defer f.Close()

	names := maps.Keys(want)
	slices.Sort(names)
	for _, name := range names {
		got, err := f.Tensor(name)
		if errors.Is(err, safetensors.ErrTensorNotFound) {
			return &MismatchError{Name: name, Reason: "not found"}
		} else if err != nil {
			return err
		}

		w := want[name]
		switch {
		case got.DType != w.DType:
			return &MismatchError{Name: name, Reason: fmt.Sprintf("dtype %s, want %s", got.DType, w.DType)}
		case !slices.Equal(got.Shape, w.Shape):
			return &MismatchError{Name: name, Reason: fmt.Sprintf("shape %v, want %v", got.Shape, w.Shape)}
		case !bytes.Equal(got.Data, w.Data):
			return &MismatchError{Name: name, Reason: "data differs"}
		}
	}

	return nil
}
