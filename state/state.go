// Package state keeps the per-run bookkeeping: which remote messages were
// already handled in this run, and the journal of commit transitions.
package state

import (
	"sync"

	"github.com/dhcgn/imap-aex/model"
)

// Tracker remembers the remote messages handled during one run so a message
// listed twice, or a replacement appended by this run, is processed once.
// Messages are keyed by identity, never by content: two byte-identical
// messages are still two messages.
type Tracker interface {
	AlreadyProcessed(key string) bool
	MarkProcessed(key, ref string) error
	Ref(key string) (string, bool)
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
}

// Key identifies a message within the current session.
func Key(folder string, uid model.UID) string {
	return folder + "/" + uid.String()
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]string)}
}

func (m *MemoryTracker) AlreadyProcessed(key string) bool {
	if key == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[key]
	m.mu.RUnlock()
	return ok
}

// MarkProcessed records key; ref is a human readable note such as
// "replaces INBOX/42" used in logs.
func (m *MemoryTracker) MarkProcessed(key, ref string) error {
	if key == "" {
		return nil
	}

	m.mu.Lock()
	m.processed[key] = ref
	m.mu.Unlock()
	return nil
}

// Ref returns what key was recorded with.
func (m *MemoryTracker) Ref(key string) (string, bool) {
	m.mu.RLock()
	ref, ok := m.processed[key]
	m.mu.RUnlock()
	return ref, ok
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}
