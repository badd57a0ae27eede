// Package engine turns a folder's message identifiers into per-message
// reports: fetch, classify, plan and commit, one message at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/imap-aex/classify"
	"github.com/dhcgn/imap-aex/commit"
	"github.com/dhcgn/imap-aex/filter"
	"github.com/dhcgn/imap-aex/model"
	"github.com/dhcgn/imap-aex/pathrule"
	"github.com/dhcgn/imap-aex/planner"
	"github.com/dhcgn/imap-aex/session"
	"github.com/dhcgn/imap-aex/state"
)

type Options struct {
	Policy   planner.Policy
	Classify classify.Options
	Filter   *filter.Filter
	Tracker  state.Tracker
	Timeout  time.Duration
	Logger   *slog.Logger
}

type Engine struct {
	sess     session.Session
	resolver *pathrule.Resolver
	coord    *commit.Coordinator
	opts     Options
}

func New(sess session.Session, resolver *pathrule.Resolver, coord *commit.Coordinator, opts Options) *Engine {
	if opts.Tracker == nil {
		opts.Tracker = state.NewMemoryTracker()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = commit.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{sess: sess, resolver: resolver, coord: coord, opts: opts}
}

// Open selects folder and searches it. Errors here are session level and
// abort the run.
func (e *Engine) Open(ctx context.Context, folder string, criteria session.Criteria) ([]model.UID, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	if _, err := e.sess.Select(opCtx, folder); err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	uids, err := e.sess.Search(opCtx, criteria)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}
	return uids, nil
}

// ProcessFolder yields one report per UID of the selected folder. The
// sequence is lazy: each message is fetched and committed when the consumer
// asks for its report. Cancellation of ctx ends the sequence between
// messages, never inside a commit.
func (e *Engine) ProcessFolder(ctx context.Context, folder string, uids []model.UID) iter.Seq[model.Report] {
	return func(yield func(model.Report) bool) {
		for _, uid := range uids {
			if ctx.Err() != nil {
				e.opts.Logger.Info("processing interrupted", "folder", folder, "uid", uid)
				return
			}
			if !yield(e.processMessage(ctx, folder, uid)) {
				return
			}
		}
	}
}

func (e *Engine) processMessage(ctx context.Context, folder string, uid model.UID) model.Report {
	report := model.Report{
		Folder: folder,
		UID:    uid,
		Result: model.CommitResult{Reached: model.StatePlanned},
	}
	logger := e.opts.Logger.With("folder", folder, "uid", uid)

	key := state.Key(folder, uid)
	if e.opts.Tracker.AlreadyProcessed(key) {
		if ref, ok := e.opts.Tracker.Ref(key); ok && ref != "" {
			logger = logger.With("note", ref)
		}
		return untouched(report, model.ReasonDuplicate, logger)
	}
	defer func() {
		if err := e.opts.Tracker.MarkProcessed(key, ""); err != nil {
			logger.Warn("tracker update failed", "err", err)
		}
	}()

	opCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	fetched, err := e.sess.Fetch(opCtx, uid)
	cancel()
	if err != nil {
		return failed(report, fmt.Errorf("%w: fetch: %v", model.ErrRemote, err), logger)
	}

	msg := &model.Message{
		Folder:       folder,
		UID:          uid,
		Flags:        fetched.Flags,
		InternalDate: fetched.InternalDate,
		Size:         int64(len(fetched.Raw)),
		Raw:          fetched.Raw,
	}

	if ok, why := e.opts.Filter.Allows(msg); !ok {
		logger.Debug("message filtered", "reason", why)
		return untouched(report, model.ReasonFiltered, logger)
	}

	tree, err := classify.Parse(msg.Raw, e.opts.Classify)
	if err != nil {
		return failed(report, err, logger)
	}
	describe(msg, tree)
	report.MessageID, report.Subject = msg.MessageID, msg.Subject

	if !hasCandidates(tree.Parts) {
		return untouched(report, model.ReasonNoCandidates, logger)
	}

	dir, err := e.resolver.Resolve(folder)
	if err != nil {
		logger.Error("folder cannot be mapped below the extraction root", "err", err)
		return failed(report, err, logger)
	}

	plan := planner.Plan(msg, tree.Parts, dir, e.opts.Policy)
	report.Plan = plan
	if len(plan.Extracting()) == 0 {
		return untouched(report, model.ReasonAllSkipped, logger)
	}

	result, files, err := e.coord.Commit(ctx, tree, plan)
	report.Result = result
	report.Files = files
	report.Err = err
	if err == nil {
		for _, entry := range plan.Extracting() {
			report.Bytes += entry.Part.Size
		}
	}
	return report
}

// describe fills the header derived fields of msg.
func describe(msg *model.Message, tree *classify.Tree) {
	h := mail.Header{Header: tree.Root.Header}
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
}

func hasCandidates(parts []*model.ContentPart) bool {
	for _, p := range parts {
		if p.Candidate() {
			return true
		}
	}
	return false
}

func untouched(r model.Report, reason string, logger *slog.Logger) model.Report {
	r.Result.Outcome = model.OutcomeUntouched
	r.Reason = reason
	logger.Debug("message untouched", "reason", reason)
	return r
}

func failed(r model.Report, err error, logger *slog.Logger) model.Report {
	r.Result.Outcome = model.OutcomeFailed
	r.Err = err
	level := slog.LevelWarn
	if errors.Is(err, model.ErrPathResolution) {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "message failed", "err", err)
	return r
}
