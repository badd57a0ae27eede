package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-aex/config"
	"github.com/dhcgn/imap-aex/session"
)

// Connector opens a logged-in session for cfg.
type Connector func(ctx context.Context, cfg config.Config, logger *slog.Logger) (session.Session, error)

// FolderInfo is one row of the folder listing. Messages is -1 when not
// counted.
type FolderInfo struct {
	Name     string
	Messages int
}

// NewFoldersCommand lists the server's selectable folders and exits.
func NewFoldersCommand(connect Connector) *cobra.Command {
	var count bool

	foldersCmd := &cobra.Command{
		Use:   "folders [HOST] [USER]",
		Short: "List the server folders",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConnection(cmd, args)
			if err != nil {
				return err
			}
			logger := slog.New(slog.DiscardHandler)

			sess, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer sess.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()
			folders, err := ListFolders(ctx, sess, count)
			if err != nil {
				return err
			}
			return PrintFolders(cmd.OutOrStdout(), folders, count)
		},
	}

	foldersCmd.Flags().BoolVar(&count, "count", false, "Select every folder to show its message count")
	return foldersCmd
}

// ListFolders returns the folders sorted by name, with message counts when
// count is set.
func ListFolders(ctx context.Context, sess session.Session, count bool) ([]FolderInfo, error) {
	folders, err := sess.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	out := make([]FolderInfo, 0, len(folders))
	for _, f := range folders {
		info := FolderInfo{Name: f.Name, Messages: -1}
		if count {
			mbox, err := sess.Select(ctx, f.Name)
			if err != nil {
				return nil, fmt.Errorf("select %s: %w", f.Name, err)
			}
			info.Messages = int(mbox.Messages)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func PrintFolders(w io.Writer, folders []FolderInfo, count bool) error {
	if !count {
		for _, f := range folders {
			if _, err := fmt.Fprintln(w, f.Name); err != nil {
				return err
			}
		}
		return nil
	}

	data := pterm.TableData{{"Folder", "Messages"}}
	for _, f := range folders {
		data = append(data, []string{f.Name, strconv.Itoa(f.Messages)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(w).Render()
}
