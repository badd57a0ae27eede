package model

import "path/filepath"

// Action is what the engine does with one candidate part.
type Action string

const (
	ActionDetach      Action = "extract-and-detach"
	ActionExtractOnly Action = "extract-only"
	ActionSkip        Action = "skip"
)

// Reasons a part was skipped.
const (
	SkipBelowThreshold = "below-threshold"
	SkipFlagged        = "flagged"
)

// PlanEntry binds a candidate part to a target file and an action.
type PlanEntry struct {
	Part       *ContentPart
	Dir        string
	Name       string
	Action     Action
	SkipReason string
	// Strip marks entries whose payload the rebuilt message no longer carries.
	Strip      bool
}

// Target returns the full path of the planned file.
func (e PlanEntry) Target() string {
	return filepath.Join(e.Dir, e.Name)
}

// Plan is the per-message extraction plan. It is consumed by the
// materializer and rebuilder and discarded after commit.
type Plan struct {
	Message *Message
	Entries []PlanEntry

	RequiresRewrite bool
}

// Extracting returns the entries whose action is not skip.
func (p *Plan) Extracting() []*PlanEntry {
	var out []*PlanEntry
	for i := range p.Entries {
		if p.Entries[i].Action != ActionSkip {
			out = append(out, &p.Entries[i])
		}
	}
	return out
}
