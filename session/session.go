// Package session defines the remote mail store contract the engine runs
// against. Folder selection and message numbering are session state, so a
// Session must only be used from one goroutine at a time.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/dhcgn/imap-aex/model"
)

var ErrNotFound = errors.New("message not found")

// Folder is one entry of the server's folder list.
type Folder struct {
	Name      string
	Delimiter rune
}

// Mailbox describes the currently selected folder.
type Mailbox struct {
	Name        string
	Messages    uint32
	UIDValidity uint32
}

// Criteria selects messages inside the selected folder. Deleted messages are
// never returned. Since and Before are inclusive and exclusive day bounds.
type Criteria struct {
	Since  time.Time
	Before time.Time
	All    bool
}

// Fetched is the raw content and metadata of one message.
type Fetched struct {
	UID          model.UID
	Flags        []string
	InternalDate time.Time
	Raw          []byte
}

type Session interface {
	ListFolders(ctx context.Context) ([]Folder, error)
	Select(ctx context.Context, folder string) (Mailbox, error)
	Search(ctx context.Context, criteria Criteria) ([]model.UID, error)
	Fetch(ctx context.Context, uid model.UID) (Fetched, error)
	// Append stores raw as a new message and returns its UID, or 0 when the
	// server does not report one.
	Append(ctx context.Context, folder string, raw []byte, flags []string, date time.Time) (model.UID, error)
	Delete(ctx context.Context, folder string, uid model.UID) error
	Close() error
}
