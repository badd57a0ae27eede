// Package sessiontest provides an in-memory session that records every call.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dhcgn/imap-aex/model"
	"github.com/dhcgn/imap-aex/session"
)

var ErrInjected = errors.New("injected failure")

// Call is one recorded session operation.
type Call struct {
	Op     string
	Folder string
	UID    model.UID
}

type storedMessage struct {
	uid   model.UID
	flags []string
	date  time.Time
	raw   []byte
}

// Session is a fake session.Session backed by maps. Zero-value fields of
// the failure hooks mean "succeed".
type Session struct {
	mu       sync.Mutex
	folders  map[string][]*storedMessage
	nextUID  map[string]model.UID
	selected string
	calls    []Call

	// FailAppend and FailDelete make the matching operation return
	// ErrInjected when they return true.
	FailAppend func(folder string) bool
	FailDelete func(folder string, uid model.UID) bool
	// FailSelect makes Select fail for the folder.
	FailSelect func(folder string) bool
}

func New() *Session {
	return &Session{
		folders: make(map[string][]*storedMessage),
		nextUID: make(map[string]model.UID),
	}
}

// Put stores a message directly, bypassing call recording.
func (s *Session) Put(folder string, raw []byte, flags ...string) model.UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(folder, raw, flags, time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC))
}

func (s *Session) store(folder string, raw []byte, flags []string, date time.Time) model.UID {
	s.nextUID[folder]++
	uid := s.nextUID[folder]
	s.folders[folder] = append(s.folders[folder], &storedMessage{
		uid:   uid,
		flags: slices.Clone(flags),
		date:  date,
		raw:   slices.Clone(raw),
	})
	return uid
}

// Calls returns a copy of the recorded operations in call order.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Has reports whether the folder still holds the UID.
func (s *Session) Has(folder string, uid model.UID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(folder, uid) != nil
}

// Raw returns the stored bytes and flags of a message.
func (s *Session) Raw(folder string, uid model.UID) ([]byte, []string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(folder, uid)
	if m == nil {
		return nil, nil, false
	}
	return slices.Clone(m.raw), slices.Clone(m.flags), true
}

// Count returns how many messages the folder holds.
func (s *Session) Count(folder string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.folders[folder])
}

func (s *Session) find(folder string, uid model.UID) *storedMessage {
	for _, m := range s.folders[folder] {
		if m.uid == uid {
			return m
		}
	}
	return nil
}

func (s *Session) record(op, folder string, uid model.UID) {
	s.calls = append(s.calls, Call{Op: op, Folder: folder, UID: uid})
}

func (s *Session) ListFolders(ctx context.Context) ([]session.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("list", "", 0)
	var out []session.Folder
	for name := range s.folders {
		out = append(out, session.Folder{Name: name, Delimiter: '/'})
	}
	slices.SortFunc(out, func(a, b session.Folder) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Session) Select(ctx context.Context, folder string) (session.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("select", folder, 0)
	if s.FailSelect != nil && s.FailSelect(folder) {
		return session.Mailbox{}, fmt.Errorf("select %s: %w", folder, ErrInjected)
	}
	if _, ok := s.folders[folder]; !ok {
		return session.Mailbox{}, fmt.Errorf("select %s: no such folder", folder)
	}
	s.selected = folder
	return session.Mailbox{Name: folder, Messages: uint32(len(s.folders[folder])), UIDValidity: 1}, nil
}

func (s *Session) Search(ctx context.Context, criteria session.Criteria) ([]model.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("search", s.selected, 0)
	var out []model.UID
	for _, m := range s.folders[s.selected] {
		if !criteria.Since.IsZero() && m.date.Before(criteria.Since) {
			continue
		}
		if !criteria.Before.IsZero() && !m.date.Before(criteria.Before) {
			continue
		}
		out = append(out, m.uid)
	}
	return out, nil
}

func (s *Session) Fetch(ctx context.Context, uid model.UID) (session.Fetched, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("fetch", s.selected, uid)
	m := s.find(s.selected, uid)
	if m == nil {
		return session.Fetched{}, fmt.Errorf("fetch %d: %w", uid, session.ErrNotFound)
	}
	return session.Fetched{
		UID:          m.uid,
		Flags:        slices.Clone(m.flags),
		InternalDate: m.date,
		Raw:          slices.Clone(m.raw),
	}, nil
}

func (s *Session) Append(ctx context.Context, folder string, raw []byte, flags []string, date time.Time) (model.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("append", folder, 0)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.FailAppend != nil && s.FailAppend(folder) {
		return 0, fmt.Errorf("append to %s: %w", folder, ErrInjected)
	}
	uid := s.store(folder, raw, flags, date)
	s.calls[len(s.calls)-1].UID = uid
	return uid, nil
}

func (s *Session) Delete(ctx context.Context, folder string, uid model.UID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("delete", folder, uid)
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailDelete != nil && s.FailDelete(folder, uid) {
		return fmt.Errorf("delete %d: %w", uid, ErrInjected)
	}
	msgs := s.folders[folder]
	for i, m := range msgs {
		if m.uid == uid {
			s.folders[folder] = slices.Delete(msgs, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("delete %d: %w", uid, session.ErrNotFound)
}

func (s *Session) Close() error {
	return nil
}
