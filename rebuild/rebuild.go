// Package rebuild produces the replacement message once attachments have been
// extracted. Parts that stay are copied with their original headers and
// transfer-encoded bodies.
package rebuild

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/imap-aex/classify"
	"github.com/dhcgn/imap-aex/model"
)

const (
	HeaderExternalURL = "X-Mozilla-External-Attachment-URL"
	alteredDateLayout = "02-Jan-2006 15:04:05 -0700"
)

// ErrNotNeeded is returned when the plan strips nothing from the message.
var ErrNotNeeded = errors.New("message does not need a rewrite")

type Options struct {
	// Link replaces every stripped part with a Thunderbird style placeholder
	// pointing at the extracted file. Without it stripped parts are dropped.
	Link bool
	Now  func() time.Time
}

type builder struct {
	opts  Options
	strip map[*model.ContentPart]*model.PlanEntry
	now   time.Time
}

// Rebuild serializes tree without the plan's stripped parts. Entry names must
// already be reserved so placeholders link to the final file names.
func Rebuild(tree *classify.Tree, plan *model.Plan, opts Options) ([]byte, error) {
	if !plan.RequiresRewrite {
		return nil, ErrNotNeeded
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &builder{
		opts:  opts,
		strip: make(map[*model.ContentPart]*model.PlanEntry),
		now:   opts.Now(),
	}
	for i := range plan.Entries {
		if e := &plan.Entries[i]; e.Strip && e.Action != model.ActionSkip {
			b.strip[e.Part] = e
		}
	}
	if len(b.strip) == 0 {
		return nil, ErrNotNeeded
	}

	var buf bytes.Buffer
	if err := b.writeMessage(&buf, tree.Root); err != nil {
		return nil, fmt.Errorf("rebuild message: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *builder) writeMessage(w io.Writer, root *classify.Node) error {
	header := root.Header.Header.Copy()
	if b.opts.Link {
		header.Set(classify.HeaderAltered, b.altered())
	}

	if !b.keeps(root) {
		// nothing but stripped parts: the message becomes a short text note
		for _, k := range []string{"Content-Disposition", "Content-Id", "Content-Description"} {
			header.Del(k)
		}
		header.Set("Content-Type", "text/plain; charset=utf-8")
		header.Set("Content-Transfer-Encoding", "8bit")
		if err := textproto.WriteHeader(w, header); err != nil {
			return err
		}
		_, err := io.WriteString(w, b.note())
		return err
	}

	if root.Part != nil {
		if entry, ok := b.strip[root.Part]; ok {
			return b.writePlaceholder(w, header, entry)
		}
	}
	if err := textproto.WriteHeader(w, header); err != nil {
		return err
	}
	return b.writeBody(w, root)
}

// keeps reports whether anything of n survives the rewrite.
func (b *builder) keeps(n *classify.Node) bool {
	if n.Part != nil {
		_, stripped := b.strip[n.Part]
		return !stripped || b.opts.Link
	}
	for _, c := range n.Children {
		if b.keeps(c) {
			return true
		}
	}
	return false
}

func (b *builder) writeBody(w io.Writer, n *classify.Node) error {
	if n.Part != nil {
		_, err := w.Write(n.Body)
		return err
	}

	mw := textproto.NewMultipartWriter(w)
	if err := mw.SetBoundary(n.Boundary); err != nil {
		return fmt.Errorf("boundary %q: %w", n.Boundary, err)
	}
	for _, c := range n.Children {
		if !b.keeps(c) {
			continue
		}
		if c.Part != nil {
			if entry, ok := b.strip[c.Part]; ok {
				if err := b.writePlaceholderPart(mw, c, entry); err != nil {
					return err
				}
				continue
			}
		}
		pw, err := mw.CreatePart(c.Header.Header)
		if err != nil {
			return err
		}
		if err := b.writeBody(pw, c); err != nil {
			return err
		}
	}
	return mw.Close()
}

func (b *builder) writePlaceholderPart(mw *textproto.MultipartWriter, n *classify.Node, entry *model.PlanEntry) error {
	header := placeholderHeader(n.Header.Header, entry, b.altered())
	pw, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = io.WriteString(pw, placeholderBody(n.Header.Header))
	return err
}

// writePlaceholder handles a message whose root entity is itself the stripped
// attachment.
func (b *builder) writePlaceholder(w io.Writer, header textproto.Header, entry *model.PlanEntry) error {
	original := header.Copy()
	header = placeholderHeader(header, entry, b.altered())
	if err := textproto.WriteHeader(w, header); err != nil {
		return err
	}
	_, err := io.WriteString(w, placeholderBody(original))
	return err
}

func placeholderHeader(h textproto.Header, entry *model.PlanEntry, altered string) textproto.Header {
	out := h.Copy()
	out.Del("Content-Transfer-Encoding")
	// AddRaw keeps the field name spelled the way Thunderbird writes it
	out.Del(HeaderExternalURL)
	out.AddRaw([]byte(HeaderExternalURL + ": " + FileURL(entry.Target()) + "\r\n"))
	out.Set(classify.HeaderAltered, altered)
	return out
}

func placeholderBody(original textproto.Header) string {
	var sb strings.Builder
	sb.WriteString("You deleted an attachment from this message. The original MIME headers for the attachment were:\r\n")
	fields := original.Fields()
	for fields.Next() {
		sb.WriteString(fields.Key() + ": " + fields.Value() + "\r\n")
	}
	return sb.String()
}

func (b *builder) altered() string {
	return fmt.Sprintf("AttachmentDetached; date=\"%s\"", b.now.Format(alteredDateLayout))
}

func (b *builder) note() string {
	var sb strings.Builder
	sb.WriteString("The attachments of this message were extracted to:\r\n")
	for _, e := range b.sortedStripped() {
		sb.WriteString("  " + e.Target() + "\r\n")
	}
	return sb.String()
}

func (b *builder) sortedStripped() []*model.PlanEntry {
	out := make([]*model.PlanEntry, 0, len(b.strip))
	for _, e := range b.strip {
		out = append(out, e)
	}
	slices.SortFunc(out, func(x, y *model.PlanEntry) int {
		return x.Part.Index - y.Part.Index
	})
	return out
}

// FileURL returns the file:// URL Thunderbird expects for an absolute path.
func FileURL(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.String()
}
