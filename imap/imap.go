// Package imap implements session.Session on top of go-imap v2.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-aex/model"
	"github.com/dhcgn/imap-aex/session"
)

var ErrUIDValidityChanged = errors.New("folder UIDVALIDITY changed after reconnect")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Logger             *slog.Logger
}

// Session is a single IMAP connection. A remote call cut short by its
// context closes the connection; the next call dials again and reselects
// the folder.
type Session struct {
	opts   Options
	logger *slog.Logger

	client      *imapclient.Client
	uidPlus     bool
	selected    string
	uidValidity uint32
	// without UIDPLUS deleted messages are expunged when leaving the folder
	pendingExpunge bool
}

var _ session.Session = (*Session)(nil)

// Dial connects and logs in.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Session{opts: opts, logger: logger}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}
	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", address, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("imap login failed: %w", err)
	}

	s.client = client
	s.uidPlus = client.Caps().Has(imapv2.CapUIDPlus)
	s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS, "uidplus", s.uidPlus)
	return nil
}

// conn returns a live client, reconnecting and reselecting when a previous
// call dropped the connection.
func (s *Session) conn(ctx context.Context) (*imapclient.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	s.logger.Info("reconnecting to imap server", "host", s.opts.Host)
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	if s.selected == "" {
		return s.client, nil
	}
	data, err := s.client.Select(s.selected, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("reselect %s: %w", s.selected, err)
	}
	if data.UIDValidity != s.uidValidity {
		return nil, fmt.Errorf("%s: %w", s.selected, ErrUIDValidityChanged)
	}
	return s.client, nil
}

// do runs fn with ctx bounding it. When ctx ends first the connection is
// closed to unblock fn and dropped.
func (s *Session) do(ctx context.Context, op string, fn func(c *imapclient.Client) error) error {
	c, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	err = fn(c)
	if !stop() {
		s.client = nil
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Session) ListFolders(ctx context.Context) ([]session.Folder, error) {
	var out []session.Folder
	err := s.do(ctx, "list", func(c *imapclient.Client) error {
		mailboxes, err := c.List("", "*", nil).Collect()
		if err != nil {
			return err
		}
		for _, mb := range mailboxes {
			if slices.Contains(mb.Attrs, imapv2.MailboxAttrNoSelect) {
				continue
			}
			out = append(out, session.Folder{Name: mb.Mailbox, Delimiter: mb.Delim})
		}
		return nil
	})
	return out, err
}

func (s *Session) Select(ctx context.Context, folder string) (session.Mailbox, error) {
	var mailbox session.Mailbox
	err := s.do(ctx, "select "+folder, func(c *imapclient.Client) error {
		if err := s.flushExpunge(c); err != nil {
			return err
		}
		data, err := c.Select(folder, nil).Wait()
		if err != nil {
			return err
		}
		s.selected = folder
		s.uidValidity = data.UIDValidity
		mailbox = session.Mailbox{Name: folder, Messages: data.NumMessages, UIDValidity: data.UIDValidity}
		return nil
	})
	return mailbox, err
}

func (s *Session) Search(ctx context.Context, criteria session.Criteria) ([]model.UID, error) {
	search := &imapv2.SearchCriteria{
		Since:   criteria.Since,
		Before:  criteria.Before,
		NotFlag: []imapv2.Flag{imapv2.FlagDeleted},
	}
	var out []model.UID
	err := s.do(ctx, "search", func(c *imapclient.Client) error {
		data, err := c.UIDSearch(search, nil).Wait()
		if err != nil {
			return err
		}
		for _, uid := range data.AllUIDs() {
			out = append(out, model.UID(uid))
		}
		return nil
	})
	return out, err
}

func (s *Session) Fetch(ctx context.Context, uid model.UID) (session.Fetched, error) {
	var fetched session.Fetched
	section := &imapv2.FetchItemBodySection{Peek: true}
	options := &imapv2.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}

	err := s.do(ctx, "fetch "+uid.String(), func(c *imapclient.Client) error {
		cmd := c.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), options)
		defer cmd.Close()

		msg := cmd.Next()
		if msg == nil {
			if err := cmd.Close(); err != nil {
				return err
			}
			return session.ErrNotFound
		}
		buf, err := msg.Collect()
		if err != nil {
			return err
		}
		raw := buf.FindBodySection(section)
		if raw == nil {
			return fmt.Errorf("no body returned for uid %d", uid)
		}
		fetched = session.Fetched{
			UID:          model.UID(buf.UID),
			Flags:        fromFlags(buf.Flags),
			InternalDate: buf.InternalDate,
			Raw:          raw,
		}
		return cmd.Close()
	})
	return fetched, err
}

func (s *Session) Append(ctx context.Context, folder string, raw []byte, flags []string, date time.Time) (model.UID, error) {
	var uid model.UID
	err := s.do(ctx, "append to "+folder, func(c *imapclient.Client) error {
		opts := &imapv2.AppendOptions{Flags: toFlags(flags), Time: date}
		cmd := c.Append(folder, int64(len(raw)), opts)

		remaining := raw
		for len(remaining) > 0 {
			n, err := cmd.Write(remaining)
			if err != nil {
				_ = cmd.Close()
				return fmt.Errorf("append write: %w", err)
			}
			if n == 0 {
				_ = cmd.Close()
				return fmt.Errorf("append write: wrote 0 bytes")
			}
			remaining = remaining[n:]
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("append close: %w", err)
		}
		data, err := cmd.Wait()
		if err != nil {
			return fmt.Errorf("append wait: %w", err)
		}
		if data != nil {
			uid = model.UID(data.UID)
		}
		return nil
	})
	return uid, err
}

// Delete flags uid \Deleted in the selected folder and expunges it right
// away when the server supports UIDPLUS.
func (s *Session) Delete(ctx context.Context, folder string, uid model.UID) error {
	if folder != s.selected {
		return fmt.Errorf("delete %s/%s: folder not selected", folder, uid)
	}
	return s.do(ctx, "delete "+uid.String(), func(c *imapclient.Client) error {
		set := imapv2.UIDSetNum(imapv2.UID(uid))
		store := &imapv2.StoreFlags{
			Op:     imapv2.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapv2.Flag{imapv2.FlagDeleted},
		}
		if err := c.Store(set, store, nil).Close(); err != nil {
			return err
		}
		if !s.uidPlus {
			s.pendingExpunge = true
			return nil
		}
		return c.UIDExpunge(set).Close()
	})
}

func (s *Session) flushExpunge(c *imapclient.Client) error {
	if !s.pendingExpunge {
		return nil
	}
	if err := c.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge %s: %w", s.selected, err)
	}
	s.pendingExpunge = false
	return nil
}

// Close expunges pending deletions, logs out and closes the connection.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	c := s.client
	s.client = nil

	var firstErr error
	if err := s.flushExpunge(c); err != nil {
		firstErr = err
	}
	if err := c.Logout().Wait(); err != nil {
		s.logger.Warn("imap logout failed", "err", err)
	}
	if err := c.Close(); err != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	return firstErr
}

func toFlags(flags []string) []imapv2.Flag {
	out := make([]imapv2.Flag, 0, len(flags))
	for _, f := range flags {
		out = append(out, imapv2.Flag(f))
	}
	return out
}

func fromFlags(flags []imapv2.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}
