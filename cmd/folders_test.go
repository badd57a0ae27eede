package cmd

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-aex/config"
	"github.com/dhcgn/imap-aex/session"
	"github.com/dhcgn/imap-aex/session/sessiontest"
)

func fixture() *sessiontest.Session {
	sess := sessiontest.New()
	sess.Put("INBOX", sessiontest.Message("one", "hi"))
	sess.Put("INBOX", sessiontest.Message("two", "hi"))
	sess.Put("Archive/2020", sessiontest.Message("old", "hi"))
	return sess
}

func TestListFolders(t *testing.T) {
	folders, err := ListFolders(context.Background(), fixture(), true)
	if err != nil {
		t.Fatalf("ListFolders() error = %v", err)
	}
	want := []FolderInfo{{"Archive/2020", 1}, {"INBOX", 2}}
	if len(folders) != len(want) {
		t.Fatalf("ListFolders() = %v, want %v", folders, want)
	}
	for i := range want {
		if folders[i] != want[i] {
			t.Errorf("folders[%d] = %v, want %v", i, folders[i], want[i])
		}
	}
}

func TestListFolders_NoCountSkipsSelect(t *testing.T) {
	sess := fixture()
	folders, err := ListFolders(context.Background(), sess, false)
	if err != nil {
		t.Fatalf("ListFolders() error = %v", err)
	}
	for _, f := range folders {
		if f.Messages != -1 {
			t.Errorf("%s counted without --count", f.Name)
		}
	}
	for _, c := range sess.Calls() {
		if c.Op == "select" {
			t.Fatalf("unexpected select of %s", c.Folder)
		}
	}
}

func TestPrintFolders(t *testing.T) {
	folders := []FolderInfo{{"Archive/2020", 1}, {"INBOX", 2}}

	var plain bytes.Buffer
	if err := PrintFolders(&plain, folders, false); err != nil {
		t.Fatal(err)
	}
	if plain.String() != "Archive/2020\nINBOX\n" {
		t.Errorf("plain listing = %q", plain.String())
	}

	var table bytes.Buffer
	if err := PrintFolders(&table, folders, true); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Folder", "Messages", "Archive/2020", "INBOX", "2"} {
		if !strings.Contains(table.String(), want) {
			t.Errorf("table missing %q:\n%s", want, table.String())
		}
	}
}

func TestFoldersCommand(t *testing.T) {
	var gotCfg config.Config
	connect := func(_ context.Context, cfg config.Config, _ *slog.Logger) (session.Session, error) {
		gotCfg = cfg
		return fixture(), nil
	}

	root := &cobra.Command{Use: "imap-aex"}
	if err := config.RegisterFlags(root); err != nil {
		t.Fatal(err)
	}
	root.AddCommand(NewFoldersCommand(connect))

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"folders", "mail.example.com", "alice", "--conf", ""})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if gotCfg.IMAPHost != "mail.example.com" || gotCfg.IMAPUser != "alice" {
		t.Errorf("connected with %q/%q", gotCfg.IMAPHost, gotCfg.IMAPUser)
	}
	if out.String() != "Archive/2020\nINBOX\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestFoldersCommand_ConnectError(t *testing.T) {
	boom := errors.New("login refused")
	connect := func(context.Context, config.Config, *slog.Logger) (session.Session, error) {
		return nil, boom
	}

	root := &cobra.Command{Use: "imap-aex", SilenceErrors: true, SilenceUsage: true}
	if err := config.RegisterFlags(root); err != nil {
		t.Fatal(err)
	}
	root.AddCommand(NewFoldersCommand(connect))
	root.SetArgs([]string{"folders", "h", "u", "--conf", ""})
	if err := root.ExecuteContext(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Execute() error = %v, want %v", err, boom)
	}
}
