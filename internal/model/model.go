package model

import "time"

// Job is one recurring schedule to check: an inclusion rule, an optional
// exclusion rule and explicit excluded instants. Jobs come from the CLI,
// the YAML config, the HTTP API or an ICS feed; the engine never keeps
// them between evaluations.
type Job struct {
	Name     string // human-friendly label
	SourceID string // config / ICS source the job was read from, if any
	UID      string // iCalendar UID when lifted from a VEVENT

	IncludeRule string
	ExcludeRule string
	ExDates     []time.Time
}

// EventKind classifies a trace record emitted during an evaluation.
type EventKind string

const (
	EventCandidate      EventKind = "candidate"
	EventExcludedByRule EventKind = "excluded_by_rule"
	EventExcludedByDate EventKind = "excluded_by_date"
	EventSelected       EventKind = "selected"
	EventExhausted      EventKind = "exhausted"
	EventSlot           EventKind = "slot"
)

// Event is a single trace record. Evaluations return their trace instead
// of logging, so callers decide where diagnostics go.
type Event struct {
	Kind   EventKind
	At     time.Time // instant the record is about, UTC
	Detail string
}
