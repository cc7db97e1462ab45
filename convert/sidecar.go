package convert

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var ErrSameFile = errors.New("source and destination are the same file")

// sidecar reports whether name should be copied next to the converted
// weights. Torch weights and python sources are skipped.
func sidecar(name string) bool {
	return !strings.HasSuffix(name, ".bin") && !strings.HasSuffix(name, ".py")
}

// CopySidecars copies regular files from src into dst, skipping weights and
// scripts. Subdirectories are not descended into. It returns the copied names.
func CopySidecars(src, dst string) ([]string, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, err
	}

	var copied []string
	for _, e := range entries {
		if !sidecar(e.Name()) {
			continue
		}

		p := filepath.Join(src, e.Name())
		fi, err := os.Stat(p)
		if err != nil {
			return copied, err
		}

		if !fi.Mode().IsRegular() {
			continue
		}

		if err := copyFile(filepath.Join(dst, e.Name()), p, fi.Mode().Perm()); err != nil {
			return copied, err
		}

		slog.Debug("copied", "file", e.Name())
		copied = append(copied, e.Name())
	}

	return copied, nil
}

func copyFile(dst, src string, perm os.FileMode) error {
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()

	if dfi, err := os.Stat(dst); err == nil {
		sfi, err := r.Stat()
		if err != nil {
			return err
		}

		if os.SameFile(sfi, dfi) {
			return fmt.Errorf("%w: %s", ErrSameFile, dst)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	w, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer w.Close()

	if _, err := io.Copy(w, r); err != nil {
		return err
	}

	if err := w.Chmod(perm); err != nil {
		return err
	}

	return w.Close()
}
