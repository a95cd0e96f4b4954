package ruleset

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"

	"slotcheck/internal/model"
	"slotcheck/internal/rrule"
)

// DefaultMaxSkips caps how many consecutive candidates may be excluded
// before Resolve gives up on an unbounded inclusion rule.
const DefaultMaxSkips = 10000

// ErrExclusionExhausted is returned when the exclusion rule or the
// excluded instants reject MaxSkips candidates in a row.
var ErrExclusionExhausted = errors.New("ruleset: exclusions rejected every candidate")

// Set combines one inclusion rule with an optional exclusion rule and
// explicit excluded instants. A Set is built per evaluation and discarded.
type Set struct {
	Include *rrule.Rule
	Exclude *rrule.Rule // optional
	ExDates []time.Time // absolute instants, compared with time.Time.Equal

	// MaxSkips overrides DefaultMaxSkips when positive.
	MaxSkips int
	// Observer, if set, receives a trace record for every candidate.
	Observer func(model.Event)
}

// Parse builds a Set from rule text. Rules without DTSTART are anchored at
// defaultStart. A failure in either rule aborts; the error names the
// clause ("include rule" / "exclude rule") and wraps the rrule error.
func Parse(include, exclude string, exdates []time.Time, defaultStart time.Time) (*Set, error) {
	inc, err := rrule.ParseWithDefaultStart(include, defaultStart)
	if err != nil {
		return nil, fmt.Errorf("include rule: %w", err)
	}
	s := &Set{Include: inc}

	if strings.TrimSpace(exclude) != "" {
		ex, err := rrule.ParseWithDefaultStart(exclude, defaultStart)
		if err != nil {
			return nil, fmt.Errorf("exclude rule: %w", err)
		}
		s.Exclude = ex
	}

	s.ExDates = make([]time.Time, 0, len(exdates))
	for _, t := range exdates {
		s.ExDates = append(s.ExDates, t.UTC())
	}
	return s, nil
}

// Resolve returns the earliest inclusion occurrence at or after ref that is
// neither produced by the exclusion rule nor equal to an excluded instant.
// It returns mo.None when the inclusion rule is exhausted first.
//
// Occurrences have whole-second precision, so ref is truncated to the
// second: an occurrence in the same second as ref still counts.
func (s *Set) Resolve(ref time.Time) (mo.Option[time.Time], error) {
	return s.walk(ref).next()
}

// walker is one forward walk of the inclusion rule with the exclusions
// applied.
type walker struct {
	set *Set
	ref time.Time
	inc *rrule.Iterator

	// Candidates only move forward, so the exclusion rule is walked in
	// step with them rather than restarted for every membership test.
	ex     *rrule.Iterator
	exNext time.Time
	exOK   bool
}

func (s *Set) walk(ref time.Time) *walker {
	ref = ref.Truncate(time.Second)
	w := &walker{set: s, ref: ref, inc: s.Include.Iterator(ref)}
	if s.Exclude != nil {
		w.ex = s.Exclude.Iterator(ref)
		w.exNext, w.exOK = w.ex.Next()
	}
	return w
}

func (w *walker) next() (mo.Option[time.Time], error) {
	s := w.set
	limit := s.MaxSkips
	if limit <= 0 {
		limit = DefaultMaxSkips
	}

	for skips := 0; ; {
		cand, ok := w.inc.Next()
		if !ok {
			s.emit(model.EventExhausted, w.ref, "inclusion rule has no further occurrences")
			return mo.None[time.Time](), nil
		}
		s.emit(model.EventCandidate, cand, "")

		for w.exOK && w.exNext.Before(cand) {
			w.exNext, w.exOK = w.ex.Next()
		}

		switch {
		case w.exOK && w.exNext.Equal(cand):
			s.emit(model.EventExcludedByRule, cand, s.Exclude.RuleString())
		case s.excludedDate(cand):
			s.emit(model.EventExcludedByDate, cand, "")
		default:
			s.emit(model.EventSelected, cand, "")
			return mo.Some(cand), nil
		}

		skips++
		if skips >= limit {
			return mo.None[time.Time](), fmt.Errorf("%w (%d skipped after %s)", ErrExclusionExhausted, skips, w.ref.UTC().Format(time.RFC3339))
		}
	}
}

func (s *Set) excludedDate(t time.Time) bool {
	for _, ex := range s.ExDates {
		if ex.Equal(t) {
			return true
		}
	}
	return false
}

func (s *Set) emit(kind model.EventKind, at time.Time, detail string) {
	if s.Observer == nil {
		return
	}
	s.Observer(model.Event{Kind: kind, At: at.UTC(), Detail: detail})
}

// Upcoming lists up to n occurrences at or after ref that survive the
// exclusions, stopping early on exhaustion or ErrExclusionExhausted.
func (s *Set) Upcoming(ref time.Time, n int) []time.Time {
	ref = ref.Truncate(time.Second)
	if s.Exclude == nil && len(s.ExDates) == 0 {
		out := s.Include.Take(ref, n)
		for i := range out {
			out[i] = out[i].UTC()
		}
		return out
	}

	out := make([]time.Time, 0, n)
	w := s.walk(ref)
	for len(out) < n {
		occ, err := w.next()
		if err != nil {
			break
		}
		t, ok := occ.Get()
		if !ok {
			break
		}
		out = append(out, t.UTC())
	}
	return out
}

// UnmatchedExDates returns the excluded instants that are not occurrences
// of the inclusion rule. They exclude nothing, which usually means a wrong
// zone or a typo.
func (s *Set) UnmatchedExDates() []time.Time {
	var out []time.Time
	for _, t := range s.ExDates {
		if !s.Include.Contains(t) {
			out = append(out, t)
		}
	}
	return out
}
