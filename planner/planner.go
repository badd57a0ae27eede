// Package planner decides, without touching any storage, which parts of a
// message are extracted, where they go and whether the message is rewritten.
package planner

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/dhcgn/imap-aex/model"
)

// FlaggedPolicy is the behaviour for messages carrying \Flagged.
type FlaggedPolicy string

const (
	FlaggedSkip    FlaggedPolicy = "skip"
	FlaggedExtract FlaggedPolicy = "extract"
	FlaggedDetach  FlaggedPolicy = "detach"
)

func ParseFlaggedPolicy(s string) (FlaggedPolicy, error) {
	switch p := FlaggedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FlaggedSkip, FlaggedExtract, FlaggedDetach:
		return p, nil
	}
	return "", fmt.Errorf("invalid flagged policy %q (want skip, extract or detach)", s)
}

// Policy is the selection configuration for one run.
type Policy struct {
	MinSize     int64
	Flagged     FlaggedPolicy
	ExtractOnly bool
	// StripExtractOnly removes run-level extract-only parts from the rebuilt
	// body too. It never applies to flagged messages kept by FlaggedExtract.
	StripExtractOnly bool
	// InlineImagesRewrite lets inline images trigger a rewrite. When false
	// they are extracted but stay in the body.
	InlineImagesRewrite bool
	DatePrefix          bool
}

const maxNameBytes = 200

// Plan builds the extraction plan for msg. dir is the resolved target
// directory for the message's folder.
func Plan(msg *model.Message, parts []*model.ContentPart, dir string, p Policy) *model.Plan {
	plan := &model.Plan{Message: msg}
	flagged := msg.Flagged()

	for _, part := range parts {
		if !part.Candidate() {
			continue
		}

		entry := model.PlanEntry{
			Part: part,
			Dir:  dir,
			Name: FileName(msg, part, p.DatePrefix),
		}

		switch {
		case flagged && p.Flagged == FlaggedSkip:
			entry.Action = model.ActionSkip
			entry.SkipReason = model.SkipFlagged
		case part.Size < p.MinSize:
			entry.Action = model.ActionSkip
			entry.SkipReason = model.SkipBelowThreshold
		case flagged && p.Flagged == FlaggedExtract:
			entry.Action = model.ActionExtractOnly
		case part.Class == model.ClassInlineImage && !p.InlineImagesRewrite:
			entry.Action = model.ActionExtractOnly
		case p.ExtractOnly:
			entry.Action = model.ActionExtractOnly
			entry.Strip = p.StripExtractOnly
		default:
			entry.Action = model.ActionDetach
			entry.Strip = true
		}

		if entry.Strip {
			plan.RequiresRewrite = true
		}
		plan.Entries = append(plan.Entries, entry)
	}
	return plan
}

// FileName returns the sanitized base name a part is stored under, before
// collision resolution.
func FileName(msg *model.Message, part *model.ContentPart, datePrefix bool) string {
	name := Sanitize(part.Filename)
	if name == "" {
		name = fmt.Sprintf("part-%d.bin", part.Index)
	}
	if datePrefix {
		if at := msg.SentAt(); !at.IsZero() {
			name = at.Format("2006-01-02") + " - " + name
		}
	}
	return name
}

// Sanitize strips directory components and characters that are unsafe in
// file names. It returns "" when nothing usable is left.
func Sanitize(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune(`:*?"<>|`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	name = strings.TrimSpace(name)

	if len(name) > maxNameBytes {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		stem := strings.ToValidUTF8(name[:maxNameBytes-len(ext)], "")
		name = stem + ext
	}
	return name
}
