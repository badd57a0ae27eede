// Package commit drives one planned message through
// Planned → Extracted → Rewritten → Appended → Finalized. The replacement is
// always appended before the original is deleted.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dhcgn/imap-aex/classify"
	"github.com/dhcgn/imap-aex/materialize"
	"github.com/dhcgn/imap-aex/model"
	"github.com/dhcgn/imap-aex/rebuild"
	"github.com/dhcgn/imap-aex/session"
	"github.com/dhcgn/imap-aex/state"
)

const DefaultTimeout = 2 * time.Minute

// Archiver keeps a copy of an original before it is deleted.
type Archiver interface {
	Add(msg *model.Message) error
}

type Options struct {
	DryRun bool
	// Debug stops after the append; original and replacement coexist.
	Debug bool
	// Link writes Thunderbird placeholders instead of dropping parts.
	Link bool
	// Timeout bounds every remote operation of the sequence.
	Timeout time.Duration

	Journal state.Recorder
	Tracker state.Tracker
	Backup  Archiver
	Logger  *slog.Logger
	Now     func() time.Time
}

type Coordinator struct {
	sess session.Session
	mat  *materialize.Materializer
	opts Options
}

func New(sess session.Session, mat *materialize.Materializer, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Journal == nil || opts.DryRun {
		opts.Journal = state.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{sess: sess, mat: mat, opts: opts}
}

// sequence carries one message through the state machine.
type sequence struct {
	c      *Coordinator
	msg    *model.Message
	result model.CommitResult
	files  []string
	logger *slog.Logger
}

// Commit runs the sequence for plan. It returns the terminal result, the
// files written (or, in a dry run, the files that would be written) and the
// error that stopped the sequence, if any. Once started the sequence ignores
// cancellation of ctx; callers check for it between messages.
func (c *Coordinator) Commit(ctx context.Context, tree *classify.Tree, plan *model.Plan) (model.CommitResult, []string, error) {
	msg := plan.Message
	s := &sequence{
		c:      c,
		msg:    msg,
		result: model.CommitResult{Reached: model.StatePlanned},
		logger: c.opts.Logger.With("folder", msg.Folder, "uid", msg.UID),
	}

	if err := c.mat.Reserve(plan); err != nil {
		return s.fail(err)
	}

	if c.opts.DryRun {
		for _, e := range plan.Extracting() {
			s.files = append(s.files, e.Target())
		}
		s.result.Outcome = model.OutcomeSkippedDryRun
		s.logger.Info("dry run", "files", len(s.files), "rewrite", plan.RequiresRewrite)
		return s.result, s.files, nil
	}

	ctx = context.WithoutCancel(ctx)

	files, err := c.mat.Write(ctx, plan)
	if err != nil {
		return s.fail(err)
	}
	s.files = files
	s.enter(model.StateExtracted)

	if !plan.RequiresRewrite {
		s.result.Outcome = model.OutcomeExtracted
		s.logger.Info("extracted without modification", "files", len(files))
		return s.result, s.files, nil
	}

	raw, err := rebuild.Rebuild(tree, plan, rebuild.Options{Link: c.opts.Link, Now: c.opts.Now})
	if err != nil {
		return s.fail(err)
	}
	s.enter(model.StateRewritten)

	opCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	newUID, err := c.sess.Append(opCtx, msg.Folder, raw, appendFlags(msg.Flags), msg.InternalDate)
	cancel()
	if err != nil {
		return s.fail(remote("append", err))
	}
	s.result.NewUID = newUID
	if c.opts.Tracker != nil {
		if err := c.opts.Tracker.MarkProcessed(state.Key(msg.Folder, newUID), "replaces "+state.Key(msg.Folder, msg.UID)); err != nil {
			s.logger.Warn("tracker update failed", "new_uid", newUID, "err", err)
		}
	}
	s.enter(model.StateAppended)

	if c.opts.Debug {
		s.result.Outcome = model.OutcomeAppendedOnly
		s.logger.Info("debug mode, original kept", "new_uid", newUID)
		return s.result, s.files, nil
	}

	if c.opts.Backup != nil {
		if err := c.opts.Backup.Add(msg); err != nil {
			return s.fail(fmt.Errorf("%w: backup original: %v", model.ErrWrite, err))
		}
	}

	opCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
	err = c.sess.Delete(opCtx, msg.Folder, msg.UID)
	cancel()
	if err != nil {
		return s.fail(remote("delete", err))
	}
	s.enter(model.StateFinalized)
	s.result.Outcome = model.OutcomeCommitted
	s.logger.Info("message replaced", "new_uid", newUID, "files", len(s.files))
	return s.result, s.files, nil
}

func (s *sequence) enter(st model.State) {
	s.result.Reached = st
	t := state.Transition{
		Folder:    s.msg.Folder,
		UID:       s.msg.UID,
		MessageID: s.msg.MessageID,
		State:     st,
		NewUID:    s.result.NewUID,
	}
	if st == model.StateExtracted {
		t.Files = s.files
	}
	if err := s.c.opts.Journal.Record(t); err != nil {
		s.logger.Warn("journal record failed", "state", st, "err", err)
	}
	s.logger.Debug("state", "state", st)
}

func (s *sequence) fail(err error) (model.CommitResult, []string, error) {
	s.result.Outcome = model.OutcomeFailed
	t := state.Transition{
		Folder:    s.msg.Folder,
		UID:       s.msg.UID,
		MessageID: s.msg.MessageID,
		State:     model.StateFailed,
		NewUID:    s.result.NewUID,
		Err:       err.Error(),
	}
	if jerr := s.c.opts.Journal.Record(t); jerr != nil {
		s.logger.Warn("journal record failed", "state", model.StateFailed, "err", jerr)
	}
	s.logger.Error("commit failed", "reached", s.result.Reached, "err", err)
	return s.result, s.files, err
}

func remote(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %v", model.ErrRemote, op, err)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrRemote, op, err)
}

// appendFlags drops flags a client may not set on APPEND.
func appendFlags(flags []string) []string {
	return slices.DeleteFunc(slices.Clone(flags), func(f string) bool {
		return strings.EqualFold(f, `\Recent`) || strings.EqualFold(f, `\Deleted`)
	})
}
