package model

import (
	"strconv"
	"strings"
)

// Class is the classifier's label for a leaf part.
type Class string

const (
	ClassBody        Class = "body"
	ClassAttachment  Class = "attachment"
	ClassInlineImage Class = "inline-image"
)

// SectionPath locates a part inside the MIME tree using IMAP section
// numbering: the first child of the root is [1], its second child [1 2].
type SectionPath []int

func (p SectionPath) String() string {
	if len(p) == 0 {
		return "TEXT"
	}
	parts := make([]string, len(p))
	for i, n := range p {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Equal reports whether both paths address the same part.
func (p SectionPath) Equal(o SectionPath) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// ContentPart is one leaf of a message's MIME tree.
type ContentPart struct {
	Index       int // 1-based leaf ordinal, depth-first
	Path        SectionPath
	MediaType   string
	Disposition string
	Filename    string
	ContentID   string
	Size        int64
	Payload     []byte
	Class       Class
}

// Candidate reports whether the part may be extracted at all.
func (p ContentPart) Candidate() bool {
	return p.Class == ClassAttachment || p.Class == ClassInlineImage
}
