package convert

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmorganca/safeconvert/fs/safetensors"
)

const (
	// WeightsFile is the checkpoint a source directory must contain.
	WeightsFile = "pytorch_model.bin"
	// SafetensorsFile is the name of the converted weights.
	SafetensorsFile = "model.safetensors"

	destinationSuffix = "_safetensors"

	// formatTag is recorded in the container metadata as the origin format.
	formatTag = "pt"
)

var ErrWeightsNotFound = errors.New(WeightsFile + " file not found, ensure the correct source directory is specified")

// DefaultDestination returns the directory used when none is given: a child
// of src named after src with a "_safetensors" suffix.
func DefaultDestination(src string) string {
	src = filepath.Clean(src)
	return filepath.Join(src, filepath.Base(src)+destinationSuffix)
}

// ConvertDir converts src/pytorch_model.bin into dst/model.safetensors and
// copies the remaining metadata files. An empty dst selects
// DefaultDestination. It returns the destination directory.
func ConvertDir(src, dst string) (string, error) {
	src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
	if src == "" {
		return "", errors.New("source directory is required")
	}

	if dst == "" {
		dst = DefaultDestination(src)
	}

	fi, err := os.Stat(src)
	if err != nil {
		return "", err
	} else if !fi.IsDir() {
		return "", fmt.Errorf("%s is not a directory", src)
	}

	pt := filepath.Join(src, WeightsFile)
	if _, err := os.Stat(pt); errors.Is(err, os.ErrNotExist) {
		return "", ErrWeightsNotFound
	} else if err != nil {
		return "", err
	}

	return dst, ConvertFile(pt, filepath.Join(dst, SafetensorsFile), true)
}

// ConvertFile writes the tensors of the checkpoint at ptPath to sfPath as F16
// safetensors. Tensors sharing storage are written once. The result is
// checked for size drift and reloaded for comparison before any sidecar files
// are copied. Nothing is cleaned up on failure.
func ConvertFile(ptPath, sfPath string, copyAddData bool) error {
	sd, err := LoadTorch(ptPath)
	if err != nil {
		return err
	}

	slog.Info("loaded checkpoint", "path", ptPath, "tensors", sd.Len())

	if removed := ResolveAliases(sd); len(removed) > 0 {
		slog.Info("removed shared tensors", "count", len(removed), "names", removed)
	}

	tensors, err := Normalize(sd)
	if err != nil {
		return err
	}

	if err := safetensors.WriteFile(sfPath, tensors, map[string]string{"format": formatTag}); err != nil {
		return err
	}

	if err := CheckFileSize(sfPath, ptPath); err != nil {
		return err
	}

	if err := VerifyRoundTrip(sfPath, tensors); err != nil {
		return err
	}

	slog.Info("wrote safetensors", "path", sfPath, "tensors", len(tensors))

	if copyAddData {
		copied, err := CopySidecars(filepath.Dir(ptPath), filepath.Dir(sfPath))
		if err != nil {
			return err
		}

		slog.Info("copied sidecar files", "count", len(copied))
	}

	return nil
}
