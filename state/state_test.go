package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dhcgn/imap-aex/model"
)

func TestMemoryTracker(t *testing.T) {
	tracker := NewMemoryTracker()
	key := Key("INBOX", 7)

	if tracker.AlreadyProcessed(key) {
		t.Fatalf("fresh tracker reports %s as processed", key)
	}
	if err := tracker.MarkProcessed(key, "replaces INBOX/3"); err != nil {
		t.Fatal(err)
	}
	if !tracker.AlreadyProcessed(key) {
		t.Errorf("key not remembered")
	}
	if ref, _ := tracker.Ref(key); ref != "replaces INBOX/3" {
		t.Errorf("Ref() = %q", ref)
	}
	if tracker.AlreadyProcessed(Key("Archive", 7)) {
		t.Errorf("same UID in another folder reported as processed")
	}
	if tracker.AlreadyProcessed("") {
		t.Errorf("empty key reported as processed")
	}
	if got := tracker.Snapshot().Processed; got != 1 {
		t.Errorf("Snapshot().Processed = %d, want 1", got)
	}
}

func TestKey(t *testing.T) {
	if got := Key("INBOX/Work", 42); got != "INBOX/Work/42" {
		t.Errorf("Key() = %q", got)
	}
	if Key("INBOX", 1) == Key("INBOX", 2) {
		t.Fatal("different UIDs keyed equal")
	}
}

func TestJournal_RecordAndRead(t *testing.T) {
	dir := t.TempDir()
	journal, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}

	steps := []Transition{
		{Folder: "INBOX", UID: 1, State: model.StateExtracted, Files: []string{"/x/a.pdf"}},
		{Folder: "INBOX", UID: 1, State: model.StateRewritten},
		{Folder: "INBOX", UID: 1, State: model.StateAppended, NewUID: 9},
		{Folder: "INBOX", UID: 1, State: model.StateFinalized, NewUID: 9},
		{Folder: "INBOX", UID: 2, State: model.StateAppended, NewUID: 10},
		{Folder: "INBOX", UID: 3, State: model.StateFailed, Err: "boom"},
	}
	for _, s := range steps {
		if err := journal.Record(s); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := ReadJournal(dir)
	if err != nil {
		t.Fatalf("ReadJournal() error = %v", err)
	}
	if len(got) != len(steps) {
		t.Fatalf("ReadJournal() = %d records, want %d", len(got), len(steps))
	}
	for _, tr := range got {
		if tr.RunID != journal.RunID() || tr.Time.IsZero() {
			t.Errorf("record missing run id or time: %+v", tr)
		}
	}
	if got[0].Files[0] != "/x/a.pdf" {
		t.Errorf("files not persisted: %+v", got[0])
	}

	open := Unfinished(got)
	if len(open) != 1 || open[0].UID != 2 || open[0].NewUID != 10 {
		t.Errorf("Unfinished() = %+v, want only UID 2", open)
	}
}

func TestJournal_AppendsAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	for range 2 {
		journal, err := OpenJournal(dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := journal.Record(Transition{Folder: "INBOX", UID: 1, State: model.StateAppended}); err != nil {
			t.Fatal(err)
		}
		if err := journal.Close(); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ReadJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].RunID == got[1].RunID {
		t.Fatalf("expected two records from distinct runs, got %+v", got)
	}
	if len(Unfinished(got)) != 2 {
		t.Errorf("same UID in two runs must be tracked separately")
	}
}

func TestReadJournal_Missing(t *testing.T) {
	got, err := ReadJournal(filepath.Join(t.TempDir(), "nope"))
	if err != nil || got != nil {
		t.Fatalf("ReadJournal(missing) = %v, %v", got, err)
	}
}

func TestReadJournal_Corrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, JournalFile), []byte("{not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadJournal(dir); err == nil {
		t.Fatal("ReadJournal() accepted a corrupt line")
	}
}
