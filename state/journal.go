package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/imap-aex/model"
)

const JournalFile = "journal.jsonl"

// Transition is one line of the journal: a message entering a commit state.
type Transition struct {
	RunID     string      `json:"run_id"`
	Time      time.Time   `json:"time"`
	Folder    string      `json:"folder"`
	UID       model.UID   `json:"uid"`
	MessageID string      `json:"message_id,omitempty"`
	State     model.State `json:"state"`
	NewUID    model.UID   `json:"new_uid,omitempty"`
	Files     []string    `json:"files,omitempty"`
	Err       string      `json:"err,omitempty"`
}

// Recorder receives commit transitions.
type Recorder interface {
	Record(t Transition) error
}

// Discard drops every transition. Dry runs use it.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Transition) error { return nil }

// Journal appends transitions to a JSONL file. Every record is flushed; the
// states after which the server holds two copies of a message are also
// fsynced so a crash leaves an accurate trail.
type Journal struct {
	runID   string
	path    string
	file    *os.File
	writer  *bufio.Writer
	writeMu sync.Mutex
}

func OpenJournal(stateDir string) (*Journal, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	path := filepath.Join(stateDir, JournalFile)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}

	return &Journal{
		runID:  uuid.NewString(),
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, 16*1024),
	}, nil
}

func (j *Journal) RunID() string { return j.runID }

func (j *Journal) Path() string { return j.path }

func (j *Journal) Record(t Transition) error {
	t.RunID = j.runID
	if t.Time.IsZero() {
		t.Time = time.Now().UTC()
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if t.State == model.StateAppended || t.State == model.StateFinalized {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("sync journal: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	var firstErr error
	if err := j.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync journal: %w", err)
	}
	if err := j.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal: %w", err)
	}
	return firstErr
}

// ReadJournal loads every transition stored under stateDir. A missing file
// yields no transitions.
func ReadJournal(stateDir string) ([]Transition, error) {
	file, err := os.Open(filepath.Join(stateDir, JournalFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var out []Transition
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var t Transition
		if err := json.Unmarshal(text, &t); err != nil {
			return nil, fmt.Errorf("parse journal line %d: %w", line, err)
		}
		out = append(out, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return out, nil
}

// Unfinished returns, per run and message, the last transition when it is
// StateAppended: the replacement reached the server but the original was
// never deleted, so the folder holds both copies.
func Unfinished(transitions []Transition) []Transition {
	type key struct {
		run    string
		folder string
		uid    model.UID
	}
	last := make(map[key]int)
	var order []key
	for i, t := range transitions {
		k := key{t.RunID, t.Folder, t.UID}
		if _, seen := last[k]; !seen {
			order = append(order, k)
		}
		last[k] = i
	}

	var out []Transition
	for _, k := range order {
		if t := transitions[last[k]]; t.State == model.StateAppended {
			out = append(out, t)
		}
	}
	return out
}
