package volumes

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hostvol/hostvol/pkg/types"
)

// Driver manages volume backing objects. Implementations report a transient
// busy condition by wrapping types.ErrInUse, which the controller retries.
type Driver interface {
	// Create allocates a backing object of the given size.
	Create(path string, sizeMB uint64, opts map[string]string) error

	// Clone copies an existing backing object to a new path.
	Clone(srcPath, dstPath string) error

	// Delete removes a backing object.
	Delete(path string) error

	// Exists reports whether a backing object is present.
	Exists(path string) (bool, error)
}

// LocalDriver backs volumes with sparse files on a local filesystem.
type LocalDriver struct{}

// NewLocalDriver creates a file-backed driver.
func NewLocalDriver() *LocalDriver {
	return &LocalDriver{}
}

func (d *LocalDriver) Create(path string, sizeMB uint64, _ map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create volume directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("backing object %s: %w", path, types.ErrExists)
		}
		return fmt.Errorf("failed to create backing object %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(sizeMB) * 1024 * 1024); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to size backing object %s: %w", path, err)
	}
	return nil
}

func (d *LocalDriver) Clone(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open clone source %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create clone target %s: %w", dstPath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("failed to copy %s to %s: %w", srcPath, dstPath, err)
	}
	return dst.Close()
}

func (d *LocalDriver) Delete(path string) error {
	err := os.Remove(path)
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return fmt.Errorf("backing object %s: %w", path, types.ErrNotFound)
	}
	if isBusy(err) {
		return fmt.Errorf("backing object %s is busy: %w", path, types.ErrInUse)
	}
	return fmt.Errorf("failed to delete backing object %s: %w", path, err)
}

func (d *LocalDriver) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func isBusy(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EBUSY || errno == syscall.ETXTBSY
	}
	return false
}
