// Package mbox keeps a local mbox copy of every original message before the
// server copy is deleted.
package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/imap-aex/model"
)

const envelopeSender = "MAILER-DAEMON"

// Archive appends messages to an mbox file. It is safe for concurrent use.
type Archive struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	writer *mboxlib.Writer
	added  int
}

// Open opens path for appending, creating it and its directory if needed.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mbox directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	return &Archive{
		path:   path,
		logger: logger,
		file:   file,
		writer: mboxlib.NewWriter(file),
	}, nil
}

func (a *Archive) Path() string { return a.path }

// Add writes msg.Raw as one mbox entry and syncs the file, so the copy is
// durable before the caller deletes the original.
func (a *Archive) Add(msg *model.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer == nil {
		return fmt.Errorf("mbox %s is closed", a.path)
	}

	at := msg.InternalDate
	if at.IsZero() {
		at = time.Now()
	}
	w, err := a.writer.CreateMessage(envelopeSender, at)
	if err != nil {
		return fmt.Errorf("mbox entry for %s/%s: %w", msg.Folder, msg.UID, err)
	}
	if _, err := w.Write(msg.Raw); err != nil {
		return fmt.Errorf("mbox write %s/%s: %w", msg.Folder, msg.UID, err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("mbox sync: %w", err)
	}
	a.added++
	if a.logger != nil {
		a.logger.Debug("original archived", "folder", msg.Folder, "uid", msg.UID, "mbox", a.path)
	}
	return nil
}

// Added returns the number of messages archived since Open.
func (a *Archive) Added() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.added
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer == nil {
		return nil
	}
	var firstErr error
	if err := a.writer.Close(); err != nil {
		firstErr = fmt.Errorf("close mbox writer: %w", err)
	}
	a.writer = nil
	if err := a.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync mbox: %w", err)
	}
	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mbox: %w", err)
	}
	return firstErr
}

// Read iterates over the messages of an mbox file, calling fn with the raw
// bytes of each.
func Read(path string, fn func(raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}
		if err := fn(bytes.TrimRight(raw, "\r\n")); err != nil {
			return err
		}
	}
}

// CountMessages counts the messages in an mbox file. A missing file holds
// none.
func CountMessages(path string) (int, error) {
	count := 0
	err := Read(path, func([]byte) error {
		count++
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return count, err
}
