package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dhcgn/imap-aex/model"
)

type Stage string

const (
	StageFolder  Stage = "folder"
	StageMessage Stage = "message"
)

type EventType string

const (
	EventTypeFolderOpened EventType = "folder_opened"
	EventTypeCommitted    EventType = "committed"
	EventTypeAppendedOnly EventType = "appended_only"
	EventTypeExtracted    EventType = "extracted"
	EventTypeDryRun       EventType = "dry_run"
	EventTypeUntouched    EventType = "untouched"
	EventTypeError        EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	Folder    string
	UID       model.UID
	MessageID string
	// Count is the number of selected messages for EventTypeFolderOpened.
	Count  int
	Files  int
	Bytes  int64
	Err    error
	Detail string
}

// FromReport turns a per-message report into its stats event.
func FromReport(r model.Report) Event {
	evt := Event{
		Stage:     StageMessage,
		Folder:    r.Folder,
		UID:       r.UID,
		MessageID: r.MessageID,
		Files:     len(r.Files),
		Bytes:     r.Bytes,
		Err:       r.Err,
		Detail:    r.Reason,
	}
	switch r.Result.Outcome {
	case model.OutcomeCommitted:
		evt.Type = EventTypeCommitted
	case model.OutcomeAppendedOnly:
		evt.Type = EventTypeAppendedOnly
	case model.OutcomeExtracted:
		evt.Type = EventTypeExtracted
	case model.OutcomeSkippedDryRun:
		evt.Type = EventTypeDryRun
	case model.OutcomeUntouched:
		evt.Type = EventTypeUntouched
	default:
		evt.Type = EventTypeError
		evt.Detail = string(r.Result.Reached)
	}
	return evt
}

type Summary struct {
	Folders      int
	Selected     int
	Processed    int
	Committed    int
	AppendedOnly int
	Extracted    int
	DryRun       int
	Untouched    int
	Duplicates   int
	Errors       int
	Files        int
	// Bytes is the decoded size of every extracted part. For committed
	// messages it is what the server no longer stores.
	Bytes int64
	// WouldExtractFiles and WouldExtractBytes total the dry-run reports:
	// what a real run would have written.
	WouldExtractFiles int
	WouldExtractBytes int64
	LastError         error
}

// Failed reports whether any message failed.
func (s Summary) Failed() bool {
	return s.Errors > 0
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"folders", s.Folders,
		"selected", s.Selected,
		"processed", s.Processed,
		"committed", s.Committed,
		"appendedOnly", s.AppendedOnly,
		"extracted", s.Extracted,
		"dryRun", s.DryRun,
		"untouched", s.Untouched,
		"duplicates", s.Duplicates,
		"errors", s.Errors,
		"files", s.Files,
		"size", humanize.IBytes(uint64(s.Bytes)),
	}
	if s.DryRun > 0 {
		attrs = append(attrs,
			"wouldExtractFiles", s.WouldExtractFiles,
			"wouldExtractSize", humanize.IBytes(uint64(s.WouldExtractBytes)),
		)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

// Run consumes events until the channel is closed. Events already queued
// when ctx ends are still counted.
func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			for evt := range events {
				c.apply(evt)
			}
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if evt.Stage == StageFolder {
		switch evt.Type {
		case EventTypeFolderOpened:
			c.summary.Folders++
			c.summary.Selected += evt.Count
		case EventTypeError:
			c.summary.Errors++
			c.summary.LastError = evt.Err
		}
		return
	}

	c.summary.Processed++
	switch evt.Type {
	case EventTypeCommitted:
		c.summary.Committed++
	case EventTypeAppendedOnly:
		c.summary.AppendedOnly++
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeDryRun:
		c.summary.DryRun++
		c.summary.WouldExtractFiles += evt.Files
		c.summary.WouldExtractBytes += evt.Bytes
	case EventTypeUntouched:
		c.summary.Untouched++
		if evt.Detail == model.ReasonDuplicate {
			c.summary.Duplicates++
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
	if evt.Type != EventTypeError && evt.Type != EventTypeDryRun {
		c.summary.Files += evt.Files
		c.summary.Bytes += evt.Bytes
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started).Round(time.Millisecond))
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
