// Package pathrule maps remote folder names to directories below the
// extraction root.
package pathrule

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/imap-aex/model"
)

// InboxRule is the rule behind --ignore-inbox-subdir.
var InboxRule = model.PathRule{Pattern: regexp.MustCompile(`^INBOX/?`)}

// Parse turns "pattern" or "pattern=>replacement" into a rule.
func Parse(def string) (model.PathRule, error) {
	pattern, replacement, hasReplacement := strings.Cut(def, "=>")
	if strings.TrimSpace(pattern) == "" {
		return model.PathRule{}, fmt.Errorf("path rule %q: empty pattern", def)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return model.PathRule{}, fmt.Errorf("path rule %q: %w", def, err)
	}
	rule := model.PathRule{Pattern: re}
	if hasReplacement {
		rule.Replacement = &replacement
	}
	return rule, nil
}

type Options struct {
	Root      string
	Rules     []model.PathRule
	NoSubdir  bool
	Delimiter rune
}

// Resolver applies the rule chain and caches the result per folder name.
type Resolver struct {
	root      string
	rules     []model.PathRule
	noSubdir  bool
	delimiter rune

	mu    sync.Mutex
	cache map[string]result
}

type result struct {
	dir string
	err error
}

func New(opts Options) (*Resolver, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("extraction root is empty")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("extraction root: %w", err)
	}
	delim := opts.Delimiter
	if delim == 0 {
		delim = '/'
	}
	return &Resolver{
		root:      filepath.Clean(root),
		rules:     opts.Rules,
		noSubdir:  opts.NoSubdir,
		delimiter: delim,
		cache:     make(map[string]result),
	}, nil
}

// Root returns the absolute extraction root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns the directory for a folder. The result is always the root
// or one of its descendants; anything else is a model.ErrPathResolution.
func (r *Resolver) Resolve(folder string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.cache[folder]; ok {
		return res.dir, res.err
	}
	dir, err := r.resolve(folder)
	r.cache[folder] = result{dir: dir, err: err}
	return dir, err
}

func (r *Resolver) resolve(folder string) (string, error) {
	if r.noSubdir {
		return r.root, nil
	}

	name := folder
	for _, rule := range r.rules {
		name = rule.Apply(name)
	}

	if r.delimiter != '/' {
		name = strings.ReplaceAll(name, "/", "_")
		name = strings.ReplaceAll(name, string(r.delimiter), "/")
	}
	if os.PathSeparator != '/' {
		name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	}
	name = strings.Trim(name, "/")
	if name == "" {
		return r.root, nil
	}

	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", fmt.Errorf("folder %q resolves to %q: %w", folder, name, model.ErrPathResolution)
		}
	}

	dir := filepath.Join(r.root, filepath.FromSlash(name))
	rel, err := filepath.Rel(r.root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("folder %q resolves to %q: %w", folder, dir, model.ErrPathResolution)
	}
	return dir, nil
}
