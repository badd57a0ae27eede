package progress

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-aex/stats"
)

// Bar tracks message processing across folders. The total grows as folders
// are opened.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	writer  io.Writer
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar that is only drawn when enabled. w receives the
// bar and the error lines; nil means the terminal.
func New(enabled bool, w io.Writer) *Bar {
	return &Bar{enabled: enabled, writer: w}
}

// Update advances the bar for one event.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if evt.Stage == stats.StageFolder {
		switch evt.Type {
		case stats.EventTypeFolderOpened:
			b.total += evt.Count
			b.ensure()
			b.pb.Total = max(b.total, 1)
			b.pb.UpdateTitle("Folder: " + evt.Folder)
		case stats.EventTypeError:
			b.printer(pterm.Error).Printf("Folder %s: %v\n", evt.Folder, evt.Err)
		}
		return
	}

	b.ensure()
	b.done++
	b.pb.Increment()

	switch evt.Type {
	case stats.EventTypeError:
		b.printer(pterm.Error).Printf("%s uid %d: %v\n", evt.Folder, evt.UID, evt.Err)
	case stats.EventTypeAppendedOnly:
		b.printer(pterm.Warning).Printf("%s uid %d: replacement appended, original kept\n", evt.Folder, evt.UID)
	}
}

func (b *Bar) ensure() {
	if b.pb != nil {
		return
	}
	printer := pterm.DefaultProgressbar.
		WithTotal(max(b.total, 1)).
		WithTitle("Extracting attachments").
		WithRemoveWhenDone(false)
	if b.writer != nil {
		printer = printer.WithWriter(b.writer)
	}
	b.pb, _ = printer.Start()
}

func (b *Bar) printer(p pterm.PrefixPrinter) *pterm.PrefixPrinter {
	if b.writer != nil {
		return p.WithWriter(b.writer)
	}
	return &p
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Done reports how many messages have been counted so far.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Subscriber feeds the bar from a stats stream until it closes.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for evt := range events {
		b.Update(evt)
	}
	return nil
}

// Reporter draws the bar and prints a summary table once the run ends.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	writer    io.Writer
	started   time.Time
	mu        sync.Mutex
	printed   bool
}

// NewReporter subscribes the bar and a summary collector to stream. Nothing
// is subscribed when the bar is disabled.
func NewReporter(stream stats.EventStream, bar *Bar) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		writer:    bar.writer,
		started:   time.Now(),
	}

	if bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-summary", reporter.collect)
	}

	return reporter
}

func (r *Reporter) collect(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)
	return nil
}

// PrintSummary writes the run summary. It is a no-op for a disabled bar.
func (r *Reporter) PrintSummary() {
	if !r.bar.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.printed {
		return
	}
	r.printed = true

	s := r.collector.Snapshot()
	data := pterm.TableData{
		{"Folders", humanize.Comma(int64(s.Folders))},
		{"Selected", humanize.Comma(int64(s.Selected))},
		{"Processed", humanize.Comma(int64(s.Processed))},
		{"Committed", humanize.Comma(int64(s.Committed))},
		{"Appended only", humanize.Comma(int64(s.AppendedOnly))},
		{"Extracted only", humanize.Comma(int64(s.Extracted))},
		{"Dry run", humanize.Comma(int64(s.DryRun))},
		{"Untouched", humanize.Comma(int64(s.Untouched))},
		{"Duplicates", humanize.Comma(int64(s.Duplicates))},
		{"Errors", humanize.Comma(int64(s.Errors))},
		{"Files", humanize.Comma(int64(s.Files))},
		{"Extracted size", humanize.IBytes(uint64(s.Bytes))},
	}
	if s.DryRun > 0 {
		data = append(data,
			[]string{"Would extract", humanize.Comma(int64(s.WouldExtractFiles))},
			[]string{"Would gain", humanize.IBytes(uint64(s.WouldExtractBytes))},
		)
	}
	data = append(data,
		[]string{"Duration", time.Since(r.started).Round(time.Second).String()},
	)

	section := pterm.DefaultSection
	table := pterm.DefaultTable.WithData(data)
	if r.writer != nil {
		section = *section.WithWriter(r.writer)
		table = table.WithWriter(r.writer)
	}
	section.Println("Summary")
	_ = table.Render()
	if s.LastError != nil {
		r.bar.printer(pterm.Error).Printf("Last error: %v\n", s.LastError)
	}
}

// Summary returns the counters seen by the reporter.
func (r *Reporter) Summary() stats.Summary {
	return r.collector.Snapshot()
}
