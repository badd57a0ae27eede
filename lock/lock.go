// Package lock keeps two runs from extracting into the same tree at once.
package lock

import (
	"errors"
	"path/filepath"
)

var ErrLocked = errors.New("extraction directory is locked by another run")

// FileName is the lock file created inside the extraction root.
const FileName = ".imap-aex.lock"

// Path returns the lock file path for an extraction root.
func Path(root string) string {
	return filepath.Join(root, FileName)
}
