package runner

import (
	"context"
	"fmt"
	"iter"

	"github.com/dhcgn/imap-aex/model"
	"github.com/dhcgn/imap-aex/session"
	"github.com/dhcgn/imap-aex/stats"
)

// FolderEngine is the part of the engine the extraction stage drives.
type FolderEngine interface {
	Open(ctx context.Context, folder string, criteria session.Criteria) ([]model.UID, error)
	ProcessFolder(ctx context.Context, folder string, uids []model.UID) iter.Seq[model.Report]
}

// Extraction walks folders one after another on a single session.
type Extraction struct {
	Engine   FolderEngine
	Folders  []string
	Criteria session.Criteria
	// Interrupt stops the walk between messages, typically on SIGINT.
	Interrupt context.Context
}

// AddExtraction registers x as a stage. Folder-level failures are fatal;
// message failures are reported and the walk continues.
func (r *Runner) AddExtraction(x Extraction) {
	r.AddStage("extract", func(ctx context.Context) error {
		if x.Interrupt != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(ctx)
			defer cancel()
			// AfterFunc runs cancel asynchronously, even for a done context
			if x.Interrupt.Err() != nil {
				cancel()
			}
			stop := context.AfterFunc(x.Interrupt, cancel)
			defer stop()
		}

		for _, folder := range x.Folders {
			if ctx.Err() != nil {
				return nil
			}
			uids, err := x.Engine.Open(ctx, folder, x.Criteria)
			if err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageFolder, Type: stats.EventTypeError, Folder: folder, Err: err})
				return fmt.Errorf("folder %s: %w", folder, err)
			}
			r.logger.Info("folder selected", "folder", folder, "messages", len(uids))
			r.EmitEvent(stats.Event{Stage: stats.StageFolder, Type: stats.EventTypeFolderOpened, Folder: folder, Count: len(uids)})

			for report := range x.Engine.ProcessFolder(ctx, folder, uids) {
				r.EmitEvent(stats.FromReport(report))
			}
		}
		return nil
	})
}
