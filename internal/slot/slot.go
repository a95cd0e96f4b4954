package slot

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/mo"

	"slotcheck/internal/model"
	"slotcheck/internal/ruleset"
)

// DefaultWidth is the slot width used when a request leaves it unset.
const DefaultWidth = 30 * time.Minute

// ErrInvalidWidth is reported for negative slot widths.
var ErrInvalidWidth = errors.New("slot: width must be positive")

// Outcome is the three-valued answer of a slot check.
type Outcome int

const (
	Scheduled Outcome = iota
	NotScheduled
	Error
)

func (o Outcome) String() string {
	switch o {
	case Scheduled:
		return "scheduled"
	case NotScheduled:
		return "not_scheduled"
	default:
		return "error"
	}
}

// ExitCode maps the outcome to the process exit code expected by callers:
// 0 scheduled, 1 not scheduled, -1 error.
func (o Outcome) ExitCode() int {
	switch o {
	case Scheduled:
		return 0
	case NotScheduled:
		return 1
	default:
		return -1
	}
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies in [Start, End). An instant equal to End
// belongs to the next window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Floor returns the window of the given width holding now. Widths up to an
// hour are aligned within the hour (minute-of-hour truncated to a multiple
// of width, seconds zeroed); longer widths are aligned on the UTC timeline.
func Floor(now time.Time, width time.Duration) Window {
	now = now.UTC()
	var start time.Time
	if width <= time.Hour {
		hour := now.Truncate(time.Hour)
		start = hour.Add(now.Sub(hour) / width * width)
	} else {
		start = now.Truncate(width)
	}
	return Window{Start: start, End: start.Add(width)}
}

// Request is one slot check.
type Request struct {
	Job   model.Job
	Now   time.Time     // reference instant; zero means time.Now()
	Width time.Duration // zero means DefaultWidth

	// MaxSkips bounds consecutive exclusions; zero uses the ruleset default.
	MaxSkips int
}

// Result is the typed outcome of Evaluate.
type Result struct {
	Outcome    Outcome
	Occurrence mo.Option[time.Time]
	Window     Window
	Err        error
	Trace      []model.Event
}

// Evaluate parses the job's rules, resolves the next occurrence at or after
// Now and reports whether it lies in Now's window. Parse failures and
// runaway exclusions are Error; an exhausted rule is NotScheduled.
func Evaluate(req Request) Result {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	width := req.Width
	if width == 0 {
		width = DefaultWidth
	}

	var res Result
	if width < 0 {
		res.Outcome = Error
		res.Err = fmt.Errorf("%w: %s", ErrInvalidWidth, width)
		return res
	}
	res.Window = Floor(now, width)

	set, err := ruleset.Parse(req.Job.IncludeRule, req.Job.ExcludeRule, req.Job.ExDates, now)
	if err != nil {
		res.Outcome = Error
		res.Err = err
		return res
	}
	set.MaxSkips = req.MaxSkips
	set.Observer = func(e model.Event) { res.Trace = append(res.Trace, e) }

	decide(&res, set, now)
	return res
}

// EvaluateSet is Evaluate for an already parsed rule set.
func EvaluateSet(set *ruleset.Set, now time.Time, width time.Duration) Result {
	if width == 0 {
		width = DefaultWidth
	}
	var res Result
	if width < 0 {
		res.Outcome = Error
		res.Err = fmt.Errorf("%w: %s", ErrInvalidWidth, width)
		return res
	}
	res.Window = Floor(now, width)

	prev := set.Observer
	set.Observer = func(e model.Event) {
		res.Trace = append(res.Trace, e)
		if prev != nil {
			prev(e)
		}
	}
	defer func() { set.Observer = prev }()

	decide(&res, set, now)
	return res
}

func decide(res *Result, set *ruleset.Set, now time.Time) {
	occ, err := set.Resolve(now)
	if err != nil {
		res.Outcome = Error
		res.Err = err
		return
	}
	res.Occurrence = occ

	res.Trace = append(res.Trace, model.Event{
		Kind:   model.EventSlot,
		At:     res.Window.Start,
		Detail: "slot end " + res.Window.End.Format(time.RFC3339),
	})

	if t, ok := occ.Get(); ok && res.Window.Contains(t) {
		res.Outcome = Scheduled
	} else {
		res.Outcome = NotScheduled
	}
}
