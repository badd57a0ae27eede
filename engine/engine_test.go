package engine

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"slices"
	"testing"

	"github.com/dhcgn/imap-aex/commit"
	"github.com/dhcgn/imap-aex/filter"
	"github.com/dhcgn/imap-aex/materialize"
	"github.com/dhcgn/imap-aex/model"
	"github.com/dhcgn/imap-aex/pathrule"
	"github.com/dhcgn/imap-aex/planner"
	"github.com/dhcgn/imap-aex/session"
	"github.com/dhcgn/imap-aex/session/sessiontest"
	"github.com/dhcgn/imap-aex/state"
)

type setup struct {
	sess   *sessiontest.Session
	root   string
	policy planner.Policy
	rules  []model.PathRule
	dryRun bool
	filter *filter.Filter
}

func newSetup(t *testing.T) *setup {
	return &setup{
		sess:   sessiontest.New(),
		root:   t.TempDir(),
		policy: planner.Policy{MinSize: 100, Flagged: planner.FlaggedSkip},
		rules:  []model.PathRule{pathrule.InboxRule},
	}
}

func (s *setup) engine(t *testing.T) *Engine {
	t.Helper()
	resolver, err := pathrule.New(pathrule.Options{Root: s.root, Rules: s.rules})
	if err != nil {
		t.Fatal(err)
	}
	tracker := state.NewMemoryTracker()
	coord := commit.New(s.sess, materialize.New(materialize.Options{}), commit.Options{DryRun: s.dryRun, Tracker: tracker})
	return New(s.sess, resolver, coord, Options{Policy: s.policy, Filter: s.filter, Tracker: tracker})
}

func (s *setup) run(t *testing.T, folder string) []model.Report {
	t.Helper()
	return process(t, s.engine(t), folder)
}

func process(t *testing.T, e *Engine, folder string) []model.Report {
	t.Helper()
	uids, err := e.Open(context.Background(), folder, session.Criteria{All: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return collect(e.ProcessFolder(context.Background(), folder, uids))
}

func collect(seq iter.Seq[model.Report]) []model.Report {
	var out []model.Report
	for r := range seq {
		out = append(out, r)
	}
	return out
}

func withPDF(subject string, size int) []byte {
	return sessiontest.Message(subject, "body of "+subject,
		sessiontest.Attachment{Name: "report.pdf", Type: "application/pdf", Data: sessiontest.Payload(size)})
}

func TestProcessFolder_Outcomes(t *testing.T) {
	s := newSetup(t)
	big := s.sess.Put("INBOX/Work", withPDF("Big", 4096))
	plain := s.sess.Put("INBOX/Work", sessiontest.Message("Plain", "no files here"))
	small := s.sess.Put("INBOX/Work", withPDF("Small", 50))
	starred := s.sess.Put("INBOX/Work", withPDF("Starred", 4096), model.FlagFlagged)

	reports := s.run(t, "INBOX/Work")
	if len(reports) != 4 {
		t.Fatalf("reports = %d, want 4", len(reports))
	}

	byUID := map[model.UID]model.Report{}
	for _, r := range reports {
		byUID[r.UID] = r
	}

	if r := byUID[big]; r.Result.Outcome != model.OutcomeCommitted || r.Err != nil {
		t.Errorf("big: %+v", r.Result)
	} else {
		if len(r.Files) != 1 || filepath.Dir(r.Files[0]) != filepath.Join(s.root, "Work") {
			t.Errorf("big files = %v, want one file under Work", r.Files)
		}
		if r.Bytes != 4096 || r.MessageID != "big@example.com" || r.Subject != "Big" {
			t.Errorf("big report = bytes %d id %q subject %q", r.Bytes, r.MessageID, r.Subject)
		}
	}
	if r := byUID[plain]; r.Result.Outcome != model.OutcomeUntouched || r.Reason != model.ReasonNoCandidates {
		t.Errorf("plain: %+v %q", r.Result, r.Reason)
	}
	if r := byUID[small]; r.Result.Outcome != model.OutcomeUntouched || r.Plan == nil || r.Plan.RequiresRewrite {
		t.Errorf("small: %+v", r.Result)
	}
	if r := byUID[starred]; r.Result.Outcome != model.OutcomeUntouched || r.Plan.Entries[0].SkipReason != model.SkipFlagged {
		t.Errorf("starred: %+v", r.Result)
	}

	for _, c := range s.sess.Calls() {
		if c.Op == "delete" && c.UID != big {
			t.Errorf("unexpected delete of uid %d", c.UID)
		}
	}
	for _, uid := range []model.UID{plain, small, starred} {
		if !s.sess.Has("INBOX/Work", uid) {
			t.Errorf("uid %d removed although untouched", uid)
		}
	}
}

func TestProcessFolder_IsLazy(t *testing.T) {
	s := newSetup(t)
	s.sess.Put("INBOX", withPDF("Lazy", 4096))
	e := s.engine(t)

	seq := e.ProcessFolder(context.Background(), "INBOX", []model.UID{1})
	if len(s.sess.Calls()) != 0 {
		t.Fatalf("ProcessFolder issued calls before iteration: %v", s.sess.Calls())
	}
	if _, err := s.sess.Select(context.Background(), "INBOX"); err != nil {
		t.Fatal(err)
	}
	for range seq {
		break
	}
	if !slices.ContainsFunc(s.sess.Calls(), func(c sessiontest.Call) bool { return c.Op == "fetch" }) {
		t.Errorf("iteration did not fetch")
	}
}

func TestProcessFolder_CancellationBetweenMessages(t *testing.T) {
	s := newSetup(t)
	for _, subj := range []string{"One", "Two", "Three"} {
		s.sess.Put("INBOX", withPDF(subj, 4096))
	}
	e := s.engine(t)
	uids, err := e.Open(context.Background(), "INBOX", session.Criteria{All: true})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []model.Report
	for r := range e.ProcessFolder(ctx, "INBOX", uids) {
		got = append(got, r)
		cancel()
	}
	if len(got) != 1 {
		t.Fatalf("reports after cancel = %d, want 1", len(got))
	}
	if got[0].Result.Outcome != model.OutcomeCommitted {
		t.Errorf("message in flight not completed: %+v", got[0].Result)
	}
	if s.sess.Count("INBOX") != 3 {
		t.Errorf("folder holds %d messages, want 3 (one replaced, two untouched)", s.sess.Count("INBOX"))
	}
}

func TestProcessFolder_Duplicate(t *testing.T) {
	s := newSetup(t)
	uid := s.sess.Put("INBOX", withPDF("Twice", 4096))
	e := s.engine(t)
	if _, err := e.Open(context.Background(), "INBOX", session.Criteria{All: true}); err != nil {
		t.Fatal(err)
	}

	reports := collect(e.ProcessFolder(context.Background(), "INBOX", []model.UID{uid, uid}))
	if reports[0].Result.Outcome != model.OutcomeCommitted {
		t.Errorf("first listing: %+v", reports[0].Result)
	}
	if reports[1].Result.Outcome != model.OutcomeUntouched || reports[1].Reason != model.ReasonDuplicate {
		t.Errorf("second listing: %+v %q", reports[1].Result, reports[1].Reason)
	}
}

func TestProcessFolder_SkipsOwnReplacement(t *testing.T) {
	s := newSetup(t)
	uid := s.sess.Put("INBOX", withPDF("Replaced", 4096))
	e := s.engine(t)
	if _, err := e.Open(context.Background(), "INBOX", session.Criteria{All: true}); err != nil {
		t.Fatal(err)
	}

	first := collect(e.ProcessFolder(context.Background(), "INBOX", []model.UID{uid}))
	if first[0].Result.Outcome != model.OutcomeCommitted {
		t.Fatalf("original: %+v", first[0].Result)
	}
	again := collect(e.ProcessFolder(context.Background(), "INBOX", []model.UID{first[0].Result.NewUID}))
	if again[0].Result.Outcome != model.OutcomeUntouched || again[0].Reason != model.ReasonDuplicate {
		t.Errorf("replacement: %+v %q", again[0].Result, again[0].Reason)
	}
}

func TestProcessFolder_SameContentInTwoFolders(t *testing.T) {
	s := newSetup(t)
	raw := withPDF("Copied", 4096)
	inbox := s.sess.Put("INBOX", raw)
	inboxCopy := s.sess.Put("INBOX", raw)
	archive := s.sess.Put("Archive", raw)

	e := s.engine(t)
	reports := append(process(t, e, "INBOX"), process(t, e, "Archive")...)
	if len(reports) != 3 {
		t.Fatalf("reports = %d, want 3", len(reports))
	}
	for _, r := range reports {
		if r.Result.Outcome != model.OutcomeCommitted {
			t.Errorf("%s uid %d: %+v %q", r.Folder, r.UID, r.Result, r.Reason)
		}
	}
	for _, m := range []struct {
		folder string
		uid    model.UID
	}{{"INBOX", inbox}, {"INBOX", inboxCopy}, {"Archive", archive}} {
		if s.sess.Has(m.folder, m.uid) {
			t.Errorf("%s uid %d still holds its attachment", m.folder, m.uid)
		}
	}
}

func TestProcessFolder_PathResolutionError(t *testing.T) {
	s := newSetup(t)
	s.rules = []model.PathRule{mustRule(t, `^.*$=>../outside`)}
	uid := s.sess.Put("INBOX", withPDF("Escape", 4096))

	reports := s.run(t, "INBOX")
	if !errors.Is(reports[0].Err, model.ErrPathResolution) {
		t.Fatalf("error = %v, want ErrPathResolution", reports[0].Err)
	}
	if !s.sess.Has("INBOX", uid) || slices.ContainsFunc(s.sess.Calls(), func(c sessiontest.Call) bool { return c.Op == "append" }) {
		t.Errorf("remote store mutated after path resolution failure")
	}
}

func TestProcessFolder_ParseError(t *testing.T) {
	s := newSetup(t)
	raw := []byte("Subject: broken\r\nContent-Type: multipart/mixed; boundary=\"b\"\r\n\r\n--b\r\nContent-Type: text/plain\r\n\r\nno closing boundary")
	uid := s.sess.Put("INBOX", raw)

	reports := s.run(t, "INBOX")
	if !errors.Is(reports[0].Err, model.ErrParse) || reports[0].Result.Outcome != model.OutcomeFailed {
		t.Fatalf("report = %+v %v", reports[0].Result, reports[0].Err)
	}
	if !s.sess.Has("INBOX", uid) {
		t.Errorf("unparseable message removed")
	}
}

func TestProcessFolder_FetchError(t *testing.T) {
	s := newSetup(t)
	s.sess.Put("INBOX", withPDF("Exists", 4096))
	e := s.engine(t)
	if _, err := e.Open(context.Background(), "INBOX", session.Criteria{All: true}); err != nil {
		t.Fatal(err)
	}

	var reports []model.Report
	for r := range e.ProcessFolder(context.Background(), "INBOX", []model.UID{99, 1}) {
		reports = append(reports, r)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2 (one failure must not stop the folder)", len(reports))
	}
	if !errors.Is(reports[0].Err, model.ErrRemote) {
		t.Errorf("missing uid error = %v, want ErrRemote", reports[0].Err)
	}
	if reports[1].Result.Outcome != model.OutcomeCommitted {
		t.Errorf("second message: %+v", reports[1].Result)
	}
}

func TestProcessFolder_Filter(t *testing.T) {
	s := newSetup(t)
	s.dryRun = true
	f, err := filter.New(filter.Options{ExcludeHeader: []string{`^Subject: Private`}})
	if err != nil {
		t.Fatal(err)
	}
	s.filter = f
	s.sess.Put("INBOX", withPDF("Private", 4096))
	s.sess.Put("INBOX", withPDF("Public", 4096))

	reports := s.run(t, "INBOX")
	if reports[0].Reason != model.ReasonFiltered {
		t.Errorf("private message not filtered: %+v", reports[0])
	}
	if reports[1].Result.Outcome != model.OutcomeSkippedDryRun {
		t.Errorf("public message: %+v", reports[1].Result)
	}
}

func TestProcessFolder_DryRunPredictsRealRun(t *testing.T) {
	s := newSetup(t)
	s.sess.Put("INBOX", withPDF("First", 4096))
	s.sess.Put("INBOX", withPDF("Second", 4096))

	s.dryRun = true
	var predicted []string
	for _, r := range s.run(t, "INBOX") {
		predicted = append(predicted, r.Files...)
	}
	s.dryRun = false
	var written []string
	for _, r := range s.run(t, "INBOX") {
		written = append(written, r.Files...)
	}

	want := []string{filepath.Join(s.root, "report.pdf"), filepath.Join(s.root, "report(1).pdf")}
	if !slices.Equal(predicted, want) {
		t.Errorf("dry run files = %v, want %v", predicted, want)
	}
	if !slices.Equal(written, predicted) {
		t.Errorf("real run files = %v, dry run predicted %v", written, predicted)
	}
}

func TestOpen_SelectFailureIsFatal(t *testing.T) {
	s := newSetup(t)
	s.sess.Put("INBOX", withPDF("x", 10))
	s.sess.FailSelect = func(string) bool { return true }

	if _, err := s.engine(t).Open(context.Background(), "INBOX", session.Criteria{All: true}); !errors.Is(err, sessiontest.ErrInjected) {
		t.Fatalf("Open() error = %v, want injected select failure", err)
	}
}

func mustRule(t *testing.T, def string) model.PathRule {
	t.Helper()
	rule, err := pathrule.Parse(def)
	if err != nil {
		t.Fatal(err)
	}
	return rule
}

type failingTracker struct {
	*state.MemoryTracker
}

func (failingTracker) MarkProcessed(string, string) error {
	return errors.New("tracker full")
}

func TestProcessFolder_TrackerFailureIsNotFatal(t *testing.T) {
	s := newSetup(t)
	s.sess.Put("INBOX", withPDF("Tracked", 4096))
	resolver, err := pathrule.New(pathrule.Options{Root: s.root, Rules: s.rules})
	if err != nil {
		t.Fatal(err)
	}
	tracker := failingTracker{state.NewMemoryTracker()}
	coord := commit.New(s.sess, materialize.New(materialize.Options{}), commit.Options{Tracker: tracker})
	e := New(s.sess, resolver, coord, Options{Policy: s.policy, Tracker: tracker})

	reports := process(t, e, "INBOX")
	if len(reports) != 1 || reports[0].Result.Outcome != model.OutcomeCommitted || reports[0].Err != nil {
		t.Errorf("reports = %+v", reports)
	}
}
