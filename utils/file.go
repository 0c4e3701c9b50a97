package utils

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrNotADirectory is returned when a path that should be a directory is a file or missing.
var ErrNotADirectory = errors.New("not a directory")

// EnsureDirectory returns the absolute form of dir after checking it is an existing directory.
func EnsureDirectory(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "cannot resolve %q", dir)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return abs, errors.Wrapf(ErrNotADirectory, "%s is not a directory.", abs)
	}
	return abs, nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "cannot create temporary file for %q", path)
	}
	defer func() {
		if err != nil {
			//nolint:errcheck
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		//nolint:errcheck
		tmp.Close()
		return errors.Wrapf(err, "cannot write %q", tmp.Name())
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
