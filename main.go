package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-aex/classify"
	"github.com/dhcgn/imap-aex/cmd"
	"github.com/dhcgn/imap-aex/commit"
	"github.com/dhcgn/imap-aex/config"
	"github.com/dhcgn/imap-aex/credential"
	"github.com/dhcgn/imap-aex/engine"
	"github.com/dhcgn/imap-aex/filter"
	"github.com/dhcgn/imap-aex/imap"
	"github.com/dhcgn/imap-aex/lock"
	"github.com/dhcgn/imap-aex/materialize"
	"github.com/dhcgn/imap-aex/mbox"
	"github.com/dhcgn/imap-aex/pathrule"
	"github.com/dhcgn/imap-aex/progress"
	"github.com/dhcgn/imap-aex/runner"
	"github.com/dhcgn/imap-aex/session"
	"github.com/dhcgn/imap-aex/state"
	"github.com/dhcgn/imap-aex/stats"
)

var errMessagesFailed = errors.New("some messages failed, see log")

func main() {
	rootCmd := &cobra.Command{
		Use:   "imap-aex [HOST] [USER]",
		Short: "Extract attachments from IMAP messages to local files",
		Long: "Walks IMAP folders, saves attachments above a size threshold below a local directory\n" +
			"and replaces each message with a copy that no longer carries them.",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c, args)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting imap-aex", "host", cfg.IMAPHost, "folders", cfg.Folders, "extractDir", cfg.ExtractDir, "dryRun", cfg.DryRun, "debug", cfg.Debug)

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewFoldersCommand(connect))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// connect resolves the password and logs in.
func connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (session.Session, error) {
	password, err := credential.Default().Password(cfg.IMAPHost, cfg.IMAPUser, cfg.PromptPassword)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	sess, err := imap.Dial(dialCtx, imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           password,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	flt, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}
	if flt != nil {
		logger.Info("message filter active", "mode", flt.Mode())
	}

	sess, err := connect(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("closing IMAP session", "err", err)
		}
	}()

	delimiter, err := folderDelimiter(ctx, sess, cfg.Timeout)
	if err != nil {
		return err
	}
	resolver, err := pathrule.New(pathrule.Options{
		Root:      cfg.ExtractDir,
		Rules:     cfg.PathRules,
		NoSubdir:  cfg.NoSubdir,
		Delimiter: delimiter,
	})
	if err != nil {
		return fmt.Errorf("pathrule.New: %w", err)
	}

	commitOpts := commit.Options{
		DryRun:  cfg.DryRun,
		Debug:   cfg.Debug,
		Link:    cfg.Thunderbird,
		Timeout: cfg.Timeout,
		Logger:  logger,
	}

	if !cfg.DryRun {
		if err := os.MkdirAll(resolver.Root(), 0o755); err != nil {
			return fmt.Errorf("create extraction root: %w", err)
		}
		release, err := lock.Acquire(lock.Path(resolver.Root()))
		if err != nil {
			return err
		}
		defer func() {
			_ = release()
		}()

		warnUnfinished(cfg.StateDir, logger)
		journal, err := state.OpenJournal(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("state.OpenJournal: %w", err)
		}
		defer func() {
			if err := journal.Close(); err != nil {
				logger.Warn("closing journal", "err", err)
			}
		}()
		logger.Info("journal opened", "path", journal.Path(), "run", journal.RunID())
		commitOpts.Journal = journal

		if cfg.BackupMbox != "" && !cfg.Debug {
			existing, err := mbox.CountMessages(cfg.BackupMbox)
			if err != nil {
				return fmt.Errorf("backup mbox %s: %w", cfg.BackupMbox, err)
			}
			logger.Info("backing up originals", "path", cfg.BackupMbox, "existing", existing)
			archive, err := mbox.Open(cfg.BackupMbox, logger)
			if err != nil {
				return fmt.Errorf("mbox.Open: %w", err)
			}
			defer func() {
				if err := archive.Close(); err != nil {
					logger.Warn("closing backup mbox", "err", err)
				}
				logger.Info("backup mbox closed", "path", archive.Path(), "messages", archive.Added())
			}()
			commitOpts.Backup = archive
		}
	}

	tracker := state.NewMemoryTracker()
	commitOpts.Tracker = tracker
	mat := materialize.New(materialize.Options{Logger: logger})
	coord := commit.New(sess, mat, commitOpts)
	eng := engine.New(sess, resolver, coord, engine.Options{
		Policy:   cfg.Policy,
		Classify: classify.Options{InlineImages: cfg.InlineImages},
		Filter:   flt,
		Tracker:  tracker,
		Timeout:  cfg.Timeout,
		Logger:   logger,
	})

	r := runner.New(logger)
	reporter := stats.NewReporter(r, logger)
	bar := progress.New(cfg.Progress, nil)
	pretty := progress.NewReporter(r, bar)
	r.AddExtraction(runner.Extraction{
		Engine:    eng,
		Folders:   cfg.Folders,
		Criteria:  cfg.Criteria,
		Interrupt: ctx,
	})

	runErr := r.Start()
	pretty.PrintSummary()
	logger.Debug("distinct messages seen", "count", tracker.Snapshot().Processed)
	if runErr != nil {
		return runErr
	}
	if ctx.Err() != nil {
		return fmt.Errorf("interrupted: %w", context.Cause(ctx))
	}
	if reporter.Summary().Failed() {
		return errMessagesFailed
	}
	return nil
}

// folderDelimiter reads the hierarchy delimiter from the folder list.
func folderDelimiter(ctx context.Context, sess session.Session, timeout time.Duration) (rune, error) {
	listCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	folders, err := sess.ListFolders(listCtx)
	if err != nil {
		return 0, fmt.Errorf("list folders: %w", err)
	}
	for _, f := range folders {
		if f.Delimiter != 0 {
			return f.Delimiter, nil
		}
	}
	return '/', nil
}

// warnUnfinished reports messages the previous run appended but never
// deleted; their folders now hold both copies.
func warnUnfinished(stateDir string, logger *slog.Logger) {
	transitions, err := state.ReadJournal(stateDir)
	if err != nil {
		logger.Warn("reading previous journal", "err", err)
		return
	}
	if len(transitions) == 0 {
		return
	}
	lastRun := transitions[len(transitions)-1].RunID
	for _, t := range state.Unfinished(transitions) {
		if t.RunID != lastRun {
			continue
		}
		logger.Warn("previous run left a duplicate", "folder", t.Folder, "uid", t.UID, "newUid", t.NewUID, "messageId", t.MessageID)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}
	// the bar owns the terminal; only problems get through
	if cfg.Progress && level.Level() < slog.LevelWarn {
		level.Set(slog.LevelWarn)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imap-aex-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
