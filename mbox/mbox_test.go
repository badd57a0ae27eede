package mbox

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhcgn/imap-aex/model"
	"github.com/dhcgn/imap-aex/session/sessiontest"
)

func TestArchive_AddAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup", "originals.mbox")
	archive, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	first := sessiontest.Message("First", "one",
		sessiontest.Attachment{Name: "a.pdf", Data: sessiontest.Payload(100)})
	second := sessiontest.Message("Second", "From the start of a line\r\nsecond")

	for i, raw := range [][]byte{first, second} {
		msg := &model.Message{Folder: "INBOX", UID: model.UID(i + 1), Raw: raw,
			InternalDate: time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)}
		if err := archive.Add(msg); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if archive.Added() != 2 {
		t.Errorf("Added() = %d, want 2", archive.Added())
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var got [][]byte
	if err := Read(path, func(raw []byte) error {
		got = append(got, raw)
		return nil
	}); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Read() = %d messages, want 2", len(got))
	}
	if !bytes.Contains(got[0], []byte("Subject: First")) || !bytes.Contains(got[1], []byte("Subject: Second")) {
		t.Errorf("messages out of order or mangled")
	}
	if !bytes.Contains(got[1], []byte("From the start of a line")) {
		t.Errorf("From-escaped line not restored: %q", got[1])
	}
}

func TestArchive_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "originals.mbox")
	for i := range 2 {
		archive, err := Open(path, nil)
		if err != nil {
			t.Fatal(err)
		}
		msg := &model.Message{Folder: "INBOX", UID: model.UID(i + 1), Raw: sessiontest.Message("Run", "body")}
		if err := archive.Add(msg); err != nil {
			t.Fatal(err)
		}
		if err := archive.Close(); err != nil {
			t.Fatal(err)
		}
	}

	n, err := CountMessages(path)
	if err != nil {
		t.Fatalf("CountMessages() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountMessages() = %d, want 2", n)
	}
}

func TestCountMessages_Missing(t *testing.T) {
	n, err := CountMessages(filepath.Join(t.TempDir(), "none.mbox"))
	if err != nil || n != 0 {
		t.Fatalf("CountMessages(missing) = %d, %v", n, err)
	}
}

func TestArchive_AddAfterClose(t *testing.T) {
	archive, err := Open(filepath.Join(t.TempDir(), "x.mbox"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := archive.Close(); err != nil {
		t.Fatal(err)
	}
	if err := archive.Add(&model.Message{Raw: []byte("Subject: x\r\n\r\n")}); err == nil {
		t.Fatal("Add() after Close() succeeded")
	}
}
