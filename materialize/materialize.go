// Package materialize writes planned attachments to disk. Names are chosen
// deterministically and existing files are never overwritten.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/imap-aex/model"
)

const DefaultMaxSuffix = 9999

type Options struct {
	// MaxSuffix bounds the numeric suffix tried for colliding names.
	MaxSuffix int
	DirMode   os.FileMode
	FileMode  os.FileMode
	Logger    *slog.Logger
}

// Materializer is safe for concurrent use. Name reservation is serialized
// per target directory.
type Materializer struct {
	maxSuffix int
	dirMode   os.FileMode
	fileMode  os.FileMode
	logger    *slog.Logger

	mu   sync.Mutex
	dirs map[string]*dirState
}

type dirState struct {
	mu       sync.Mutex
	reserved map[string]struct{}
}

func New(opts Options) *Materializer {
	if opts.MaxSuffix <= 0 {
		opts.MaxSuffix = DefaultMaxSuffix
	}
	if opts.DirMode == 0 {
		opts.DirMode = 0o755
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0o644
	}
	return &Materializer{
		maxSuffix: opts.MaxSuffix,
		dirMode:   opts.DirMode,
		fileMode:  opts.FileMode,
		logger:    opts.Logger,
		dirs:      make(map[string]*dirState),
	}
}

func (m *Materializer) dir(path string) *dirState {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[path]
	if !ok {
		d = &dirState{reserved: make(map[string]struct{})}
		m.dirs[path] = d
	}
	return d
}

// Reserve assigns a collision-free name to every extracting entry, in plan
// order, and rewrites entry.Name accordingly. It only reads the file system,
// so a dry run reserves exactly the names a real run would.
func (m *Materializer) Reserve(plan *model.Plan) error {
	for _, entry := range plan.Extracting() {
		name, err := m.reserve(entry.Dir, entry.Name)
		if err != nil {
			return err
		}
		entry.Name = name
	}
	return nil
}

func (m *Materializer) reserve(dir, name string) (string, error) {
	d := m.dir(dir)
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i <= m.maxSuffix; i++ {
		candidate := Suffixed(name, i)
		if _, taken := d.reserved[candidate]; taken {
			continue
		}
		_, err := os.Lstat(filepath.Join(dir, candidate))
		if err == nil {
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: stat %s: %v", model.ErrWrite, candidate, err)
		}
		d.reserved[candidate] = struct{}{}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %s in %s after %d attempts", model.ErrCollisionExhausted, name, dir, m.maxSuffix+1)
}

// Suffixed returns name with a numeric suffix before its extension:
// report.pdf, report(1).pdf, report(2).pdf.
func Suffixed(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = ext, ""
	}
	return fmt.Sprintf("%s(%d)%s", stem, n, ext)
}

// Write stores the payload of every extracting entry under its reserved name
// and returns the written paths. When any write fails the files written for
// this plan are removed again and the error wraps model.ErrWrite.
func (m *Materializer) Write(ctx context.Context, plan *model.Plan) ([]string, error) {
	entries := plan.Extracting()
	if len(entries) == 0 {
		return nil, nil
	}

	for _, entry := range entries {
		if err := os.MkdirAll(entry.Dir, m.dirMode); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", model.ErrWrite, entry.Dir, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paths := make([]string, len(entries))
	errs := make([]error, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], errs[i] = writeNoClobber(entry.Dir, entry.Name, entry.Part.Payload, m.fileMode)
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		for _, p := range paths {
			if p == "" {
				continue
			}
			if rmErr := os.Remove(p); rmErr != nil && m.logger != nil {
				m.logger.Warn("remove extracted file after failed write", "path", p, "err", rmErr)
			}
		}
		return nil, fmt.Errorf("%w: %v", model.ErrWrite, err)
	}
	return paths, nil
}
