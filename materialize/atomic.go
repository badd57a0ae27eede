package materialize

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// writeNoClobber writes data to a temp file in dir and hard-links it to name.
// The link fails when name exists, so an existing file is never replaced.
func writeNoClobber(dir, name string, data []byte, perm os.FileMode) (string, error) {
	finalPath := filepath.Join(dir, name)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", name, time.Now().UnixNano()))

	if err := writeAndSync(tmpPath, data, perm); err != nil {
		return "", err
	}

	if err := os.Link(tmpPath, finalPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", cleanupTemp(tmpPath, fmt.Errorf("%s already exists", finalPath))
		}
		// no hard links on this file system
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return "", fmt.Errorf("%w (cleanup: %v)", err, rmErr)
		}
		if err := writeAndSync(finalPath, data, perm); err != nil {
			return "", err
		}
		return finalPath, syncDir(dir)
	}

	if err := os.Remove(tmpPath); err != nil {
		_ = os.Remove(finalPath)
		return "", fmt.Errorf("remove temp file: %w", err)
	}
	return finalPath, syncDir(dir)
}

// writeAndSync creates path exclusively; a partial file is removed on error.
func writeAndSync(path string, data []byte, perm os.FileMode) (err error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	if _, err = file.Write(data); err != nil {
		return err
	}
	return file.Sync()
}

func cleanupTemp(path string, primary error) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w (cleanup: %v)", primary, err)
	}
	return primary
}

func syncDir(dir string) error {
	file, err := os.Open(dir)
	if err != nil {
		return err
	}
	syncErr := file.Sync()
	closeErr := file.Close()
	if syncErr != nil {
		if errors.Is(syncErr, syscall.EINVAL) || errors.Is(syncErr, syscall.ENOTSUP) {
			return nil
		}
		return syncErr
	}
	return closeErr
}
