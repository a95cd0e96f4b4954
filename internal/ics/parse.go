package ics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "slotcheck/internal/log"
	"slotcheck/internal/model"
)

// oneShot is the rule given to VEVENTs without RRULE: they occur once, at
// their DTSTART.
const oneShot = "FREQ=DAILY;COUNT=1"

// ParseJobs lifts every VEVENT of an ICS payload into a model.Job.
//
//   - DTSTART (with its TZID or VALUE parameter) and RRULE become the
//     inclusion rule; EXRULE, anchored at the same DTSTART, the exclusion
//     rule.
//   - EXDATE values are resolved to absolute instants in their own TZID,
//     or in the DTSTART zone when they are floating.
//   - A VEVENT carrying RECURRENCE-ID moves one instance of its master: the
//     original instant is excluded from the master and the override becomes
//     a one-shot job of its own.
//
// Rule text is not validated here; bad rules surface when the job is
// evaluated.
func ParseJobs(src Source, body []byte) ([]model.Job, error) {
	if len(body) == 0 {
		return nil, errors.New("ics: empty body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics: parse %s: %w", src.ID, err)
	}

	var jobs []model.Job
	masters := make(map[string]int)
	var overrides []override

	for _, ve := range cal.Events() {
		job, ov, err := parseVEvent(src, ve)
		if err != nil {
			appLog.Warn("ics vevent skipped", "id", src.ID, "reason", err.Error())
			continue
		}
		if ov != nil {
			overrides = append(overrides, *ov)
		} else {
			masters[job.UID] = len(jobs)
		}
		jobs = append(jobs, job)
	}

	for _, ov := range overrides {
		i, ok := masters[ov.uid]
		if !ok {
			appLog.Debug("ics override without master", "id", src.ID, "uid", ov.uid)
			continue
		}
		jobs[i].ExDates = append(jobs[i].ExDates, ov.instance)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "jobs", len(jobs), "overrides", len(overrides))
	return jobs, nil
}

type override struct {
	uid      string
	instance time.Time
}

func parseVEvent(src Source, ve *ical.VEvent) (model.Job, *override, error) {
	var job model.Job
	job.SourceID = src.ID

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return job, nil, errors.New("missing UID")
	}
	job.UID = uid.Value
	job.Name = job.UID
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil && p.Value != "" {
		job.Name = p.Value
	}

	dtstart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil || dtstart.Value == "" {
		return job, nil, fmt.Errorf("%s: missing DTSTART", job.UID)
	}
	startClause := startClause(dtstart)
	// Floating EXDATE and RECURRENCE-ID values share the DTSTART zone.
	startZone := ""
	if !strings.HasSuffix(dtstart.Value, "Z") {
		startZone = param(dtstart, "TZID")
	}

	body := oneShot
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		body = p.Value
	}

	var ov *override
	if rid := ve.GetProperty(ical.ComponentPropertyRecurrenceId); rid != nil {
		t, err := propertyTime(rid.Value, zoneOr(param(rid, "TZID"), startZone))
		if err != nil {
			return job, nil, fmt.Errorf("%s: RECURRENCE-ID: %w", job.UID, err)
		}
		ov = &override{uid: job.UID, instance: t}
		body = oneShot
		job.Name += " (moved)"
	}
	job.IncludeRule = startClause + " RRULE:" + body

	if p := ve.GetProperty(ical.ComponentPropertyExrule); p != nil && p.Value != "" && ov == nil {
		job.ExcludeRule = startClause + " RRULE:" + p.Value
	}

	if ov == nil {
		for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
			zone := zoneOr(param(p, "TZID"), startZone)
			for _, part := range strings.Split(p.Value, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				t, err := propertyTime(part, zone)
				if err != nil {
					return job, nil, fmt.Errorf("%s: EXDATE: %w", job.UID, err)
				}
				job.ExDates = append(job.ExDates, t)
			}
		}
		sort.Slice(job.ExDates, func(i, j int) bool { return job.ExDates[i].Before(job.ExDates[j]) })
	}

	return job, ov, nil
}

// startClause renders DTSTART in the form rrule.Parse accepts.
func startClause(p *ical.IANAProperty) string {
	var b strings.Builder
	b.WriteString("DTSTART")
	if tz := param(p, "TZID"); tz != "" && !strings.HasSuffix(p.Value, "Z") {
		b.WriteString(";TZID=")
		b.WriteString(tz)
	}
	if strings.EqualFold(param(p, "VALUE"), "DATE") {
		b.WriteString(";VALUE=DATE")
	}
	b.WriteString(":")
	b.WriteString(p.Value)
	return b.String()
}

func zoneOr(zone, fallback string) string {
	if zone != "" {
		return zone
	}
	return fallback
}

func param(p *ical.IANAProperty, name string) string {
	for k, vs := range p.ICalParameters {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// propertyTime resolves an ICS date or date-time. A trailing Z means UTC;
// otherwise the value is read in zone, or UTC when zone is empty (a
// floating time on a floating event).
func propertyTime(v, zone string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return time.Time{}, err
		}
		loc = l
	}
	layout := "20060102T150405"
	if !strings.Contains(v, "T") {
		layout = "20060102"
	}
	t, err := time.ParseInLocation(layout, v, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
