package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// FlagFlagged is the IMAP system flag clients use for starred messages.
const FlagFlagged = `\Flagged`

// UID identifies a message within a selected folder. It is only stable for
// the lifetime of one session.
type UID uint32

func (u UID) String() string {
	return fmt.Sprintf("%d", uint32(u))
}

// Message is a read-only snapshot of a remote message for one processing pass.
type Message struct {
	Folder       string
	UID          UID
	Flags        []string
	InternalDate time.Time
	Size         int64
	Raw          []byte

	MessageID string
	Subject   string
	Date      time.Time
}

// Flagged reports whether the message carries the \Flagged system flag.
func (m Message) Flagged() bool {
	return slices.ContainsFunc(m.Flags, func(f string) bool {
		return strings.EqualFold(f, FlagFlagged)
	})
}

// SentAt returns the Date header when present, the internal date otherwise.
func (m Message) SentAt() time.Time {
	if !m.Date.IsZero() {
		return m.Date
	}
	return m.InternalDate
}
