// Package classify parses a message into its MIME tree and labels every leaf
// as body text, attachment or inline image.
package classify

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"slices"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/imap-aex/model"
)

// Thunderbird marks parts it already replaced with a file link this way.
const (
	HeaderAltered   = "X-Mozilla-Altered"
	detachedMarker  = "AttachmentDetached"
	defaultMimeType = "text/plain"
)

type Options struct {
	// InlineImages classifies referenced images as inline-image instead of
	// body, which makes them extraction candidates.
	InlineImages bool
}

// Node is one entity of the parsed tree. Leaves carry their ContentPart.
type Node struct {
	Header message.Header
	Path   model.SectionPath
	// Body is the raw, still transfer-encoded body of a leaf.
	Body     []byte
	Boundary string
	Children []*Node
	Part     *model.ContentPart
}

// Multipart reports whether the node is a container.
func (n *Node) Multipart() bool {
	return n.Part == nil
}

// Tree is the parsed message: its root entity and the depth-first leaves.
type Tree struct {
	Root  *Node
	Parts []*model.ContentPart
}

// Parse reads raw and classifies its leaves. Any structural error returns a
// model.ErrParse; the message must then be left untouched.
func Parse(raw []byte, opts Options) (*Tree, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", model.ErrParse, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", model.ErrParse, err)
	}

	tree := &Tree{}
	root, err := tree.walk(message.Header{Header: h}, body, nil)
	if err != nil {
		return nil, err
	}
	tree.Root = root
	classifyParts(tree, opts)
	return tree, nil
}

// unknown charsets and encodings leave the body undecoded, which is what we
// want for byte-exact extraction.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func (t *Tree) walk(h message.Header, body []byte, path model.SectionPath) (*Node, error) {
	node := &Node{Header: h, Path: path}

	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = defaultMimeType
	}
	mediaType = strings.ToLower(mediaType)

	if strings.HasPrefix(mediaType, "multipart/") {
		node.Boundary = params["boundary"]
		if node.Boundary == "" {
			return nil, fmt.Errorf("%w: %s without boundary at %s", model.ErrParse, mediaType, path)
		}
		mr := textproto.NewMultipartReader(bytes.NewReader(body), node.Boundary)
		for i := 1; ; i++ {
			p, err := mr.NextPart()
			// only a bare io.EOF marks the closing boundary; a wrapped one
			// means the boundary never showed up
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: part %s.%d: %v", model.ErrParse, path, i, err)
			}
			childBody, err := io.ReadAll(p)
			if err != nil {
				return nil, fmt.Errorf("%w: read part %s.%d: %v", model.ErrParse, path, i, err)
			}
			child, err := t.walk(message.Header{Header: p.Header}, childBody, append(slices.Clone(path), i))
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		if len(node.Children) == 0 {
			return nil, fmt.Errorf("%w: empty multipart %s", model.ErrParse, path)
		}
		return node, nil
	}

	entity, err := message.New(h, bytes.NewReader(body))
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("%w: part %s: %v", model.ErrParse, path, err)
	}
	payload, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode part %s: %v", model.ErrParse, path, err)
	}
	if len(path) == 0 {
		path = model.SectionPath{1}
	}

	disposition, _, _ := h.ContentDisposition()
	part := &model.ContentPart{
		Index:       len(t.Parts) + 1,
		Path:        path,
		MediaType:   mediaType,
		Disposition: strings.ToLower(disposition),
		Filename:    filename(h),
		ContentID:   strings.Trim(h.Get("Content-Id"), "<> "),
		Size:        int64(len(payload)),
		Payload:     payload,
	}
	node.Body = body
	node.Part = part
	t.Parts = append(t.Parts, part)
	return node, nil
}

func filename(h message.Header) string {
	ah := mail.AttachmentHeader{Header: h}
	name, _ := ah.Filename()
	if strings.Contains(name, "=?") {
		if decoded, err := new(mime.WordDecoder).DecodeHeader(name); err == nil {
			name = decoded
		}
	}
	return strings.TrimSpace(name)
}

func classifyParts(tree *Tree, opts Options) {
	primary := -1
	for i, p := range tree.Parts {
		if strings.HasPrefix(p.MediaType, "text/") && p.Disposition != "attachment" {
			primary = i
			break
		}
	}

	headers := make(map[*model.ContentPart]message.Header, len(tree.Parts))
	collectHeaders(tree.Root, headers)

	for i, p := range tree.Parts {
		p.Class = classOf(p, headers[p], i == primary, opts)
	}
}

func collectHeaders(n *Node, out map[*model.ContentPart]message.Header) {
	if n.Part != nil {
		out[n.Part] = n.Header
		return
	}
	for _, c := range n.Children {
		collectHeaders(c, out)
	}
}

func classOf(p *model.ContentPart, h message.Header, primary bool, opts Options) model.Class {
	if strings.Contains(h.Get(HeaderAltered), detachedMarker) {
		return model.ClassBody
	}

	if strings.HasPrefix(p.MediaType, "image/") && p.Disposition != "attachment" &&
		(p.ContentID != "" || p.Disposition == "inline") {
		if opts.InlineImages {
			return model.ClassInlineImage
		}
		return model.ClassBody
	}

	if (p.Disposition == "attachment" || p.Filename != "") && !primary {
		return model.ClassAttachment
	}
	return model.ClassBody
}
