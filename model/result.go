package model

// State is a step of the per-message commit state machine.
type State string

const (
	StatePlanned   State = "planned"
	StateExtracted State = "extracted"
	StateRewritten State = "rewritten"
	StateAppended  State = "appended"
	StateFinalized State = "finalized"
	StateFailed    State = "failed"
)

// Outcome is the terminal result reported for one message.
type Outcome string

const (
	OutcomeCommitted     Outcome = "committed"
	OutcomeAppendedOnly  Outcome = "appended-only"
	OutcomeSkippedDryRun Outcome = "skipped-dry-run"
	OutcomeFailed        Outcome = "failed"
	// OutcomeExtracted means files were written but the message did not need
	// a rewrite and was left as is.
	OutcomeExtracted Outcome = "extracted"
	// OutcomeUntouched means nothing was selected for extraction.
	OutcomeUntouched Outcome = "untouched"
)

// CommitResult is produced once per message and is terminal.
type CommitResult struct {
	Outcome Outcome
	// Reached is the last state the machine entered before stopping. For
	// failures it tells how far the commit sequence got.
	Reached State
	NewUID  UID
}

// Report is the per-message record handed to the reporting sink.
type Report struct {
	Folder    string
	UID       UID
	MessageID string
	Subject   string
	Result    CommitResult
	Files     []string
	Bytes     int64
	Plan      *Plan
	// Reason explains an untouched message: duplicate, filtered, no candidates.
	Reason string
	Err    error
}

// Reasons a message is left untouched.
const (
	ReasonDuplicate    = "duplicate"
	ReasonFiltered     = "filtered"
	ReasonNoCandidates = "no attachments"
	ReasonAllSkipped   = "all parts skipped"
)
