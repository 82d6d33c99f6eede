package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

const wallLayout = "20060102T150405"

// DefaultZoneID is the zone all aggregated events are re-expressed in unless
// configured otherwise.
const DefaultZoneID = "America/Los_Angeles"

// defaultZoneData carries the US Pacific rules in effect since 2007.
const defaultZoneData = `BEGIN:VTIMEZONE
TZID:America/Los_Angeles
BEGIN:DAYLIGHT
DTSTART:20070311T020000
TZOFFSETFROM:-0800
TZOFFSETTO:-0700
TZNAME:PDT
RRULE:FREQ=YEARLY;BYMONTH=3;BYDAY=2SU
END:DAYLIGHT
BEGIN:STANDARD
DTSTART:20071104T020000
TZOFFSETFROM:-0700
TZOFFSETTO:-0800
TZNAME:PST
RRULE:FREQ=YEARLY;BYMONTH=11;BYDAY=1SU
END:STANDARD
END:VTIMEZONE`

// Observance is one STANDARD or DAYLIGHT rule of a zone definition.
type Observance struct {
	Name       string
	OffsetFrom time.Duration
	OffsetTo   time.Duration

	// Start is the first onset as wall-clock time in OffsetFrom, stored with
	// UTC location.
	Start time.Time

	// RRule is the raw yearly recurrence, empty for a single onset.
	RRule string

	rule *rrule.RRule
}

// Zone is a static offset table for a single named time zone. It never
// consults the system time zone database.
type Zone struct {
	ID          string
	observances []Observance
	component   ical.Component
}

// DefaultZone returns the built-in America/Los_Angeles definition.
func DefaultZone() *Zone {
	z, err := ParseZone(defaultZoneData)
	if err != nil {
		// defaultZoneData is a constant; failing here is a programming error.
		panic(err)
	}
	return z
}

// ParseZone reads a VTIMEZONE block, optionally wrapped in a VCALENDAR.
func ParseZone(text string) (*Zone, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("zone: empty definition")
	}
	if !strings.HasPrefix(strings.ToUpper(text), "BEGIN:VCALENDAR") {
		text = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" + text + "\r\nEND:VCALENDAR\r\n"
	}

	cal, err := ical.ParseCalendar(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("zone: parse: %w", err)
	}

	for _, comp := range cal.Components {
		tz, ok := comp.(*ical.VTimezone)
		if !ok {
			continue
		}
		return zoneFromComponent(tz)
	}
	return nil, errors.New("zone: no VTIMEZONE component")
}

func zoneFromComponent(tz *ical.VTimezone) (*Zone, error) {
	z := &Zone{component: tz}
	if p := findProp(tz.Properties, "TZID"); p != nil {
		z.ID = strings.TrimSpace(p.Value)
	}
	if z.ID == "" {
		return nil, errors.New("zone: missing TZID")
	}

	for _, sub := range tz.SubComponents() {
		obs, err := parseObservance(sub.UnknownPropertiesIANAProperties())
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", z.ID, err)
		}
		z.observances = append(z.observances, obs)
	}
	if len(z.observances) == 0 {
		return nil, fmt.Errorf("zone %s: no observances", z.ID)
	}
	return z, nil
}

func parseObservance(props []ical.IANAProperty) (Observance, error) {
	var obs Observance
	var err error

	from := findProp(props, "TZOFFSETFROM")
	to := findProp(props, "TZOFFSETTO")
	start := findProp(props, "DTSTART")
	if from == nil || to == nil || start == nil {
		return obs, errors.New("observance needs DTSTART, TZOFFSETFROM and TZOFFSETTO")
	}

	if obs.OffsetFrom, err = parseUTCOffset(from.Value); err != nil {
		return obs, err
	}
	if obs.OffsetTo, err = parseUTCOffset(to.Value); err != nil {
		return obs, err
	}
	if obs.Start, err = time.Parse(wallLayout, strings.TrimSpace(start.Value)); err != nil {
		return obs, fmt.Errorf("observance DTSTART: %w", err)
	}
	if p := findProp(props, "TZNAME"); p != nil {
		obs.Name = strings.TrimSpace(p.Value)
	}

	if p := findProp(props, "RRULE"); p != nil && strings.TrimSpace(p.Value) != "" {
		obs.RRule = strings.TrimSpace(p.Value)
		r, rerr := rrule.StrToRRule(obs.RRule)
		if rerr != nil {
			return obs, fmt.Errorf("observance RRULE: %w", rerr)
		}
		// Onsets are computed in wall time, so the rule runs in UTC.
		r.DTStart(obs.Start)
		obs.rule = r
	}
	return obs, nil
}

// lastOnset returns the latest onset instant of o at or before t.
func (o Observance) lastOnset(t time.Time) (time.Time, bool) {
	wall := t.UTC().Add(o.OffsetFrom)
	var onset time.Time
	if o.rule != nil {
		onset = o.rule.Before(wall, true)
		if onset.IsZero() {
			return time.Time{}, false
		}
	} else {
		if o.Start.After(wall) {
			return time.Time{}, false
		}
		onset = o.Start
	}
	return onset.Add(-o.OffsetFrom), true
}

// OffsetAt returns the zone abbreviation and UTC offset in effect at t.
func (z *Zone) OffsetAt(t time.Time) (string, time.Duration) {
	var (
		best    *Observance
		bestAt  time.Time
		earlier = &z.observances[0]
	)
	for i := range z.observances {
		o := &z.observances[i]
		if o.Start.Before(earlier.Start) {
			earlier = o
		}
		at, ok := o.lastOnset(t)
		if !ok {
			continue
		}
		if best == nil || at.After(bestAt) {
			best, bestAt = o, at
		}
	}
	if best == nil {
		// Before the first onset the pre-transition offset applies.
		return z.ID, earlier.OffsetFrom
	}
	name := best.Name
	if name == "" {
		name = z.ID
	}
	return name, best.OffsetTo
}

// In re-expresses t as wall time in the zone, using a fixed-offset location.
func (z *Zone) In(t time.Time) time.Time {
	name, off := z.OffsetAt(t)
	return t.In(time.FixedZone(name, int(off/time.Second)))
}

// Instant resolves wall-clock fields (year..second of wall, location ignored)
// to an instant. Ambiguous or skipped wall times resolve to the first
// candidate offset that round-trips.
func (z *Zone) Instant(wall time.Time) time.Time {
	w := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.UTC)
	for _, off := range z.offsets() {
		candidate := w.Add(-off)
		if _, got := z.OffsetAt(candidate); got == off {
			return candidate
		}
	}
	_, off := z.OffsetAt(w)
	return w.Add(-off)
}

func (z *Zone) offsets() []time.Duration {
	seen := make(map[time.Duration]bool)
	var out []time.Duration
	for _, o := range z.observances {
		for _, off := range []time.Duration{o.OffsetTo, o.OffsetFrom} {
			if !seen[off] {
				seen[off] = true
				out = append(out, off)
			}
		}
	}
	return out
}

// Observances returns a copy of the zone's rules.
func (z *Zone) Observances() []Observance {
	out := make([]Observance, len(z.observances))
	copy(out, z.observances)
	return out
}

// parseUTCOffset parses "+HHMM", "-HHMM" or "+HHMMSS".
func parseUTCOffset(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if len(v) != 5 && len(v) != 7 {
		return 0, fmt.Errorf("invalid UTC offset %q", v)
	}
	sign := time.Duration(1)
	switch v[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("invalid UTC offset %q", v)
	}

	parts := []string{v[1:3], v[3:5]}
	if len(v) == 7 {
		parts = append(parts, v[5:7])
	}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid UTC offset %q", v)
		}
		d += time.Duration(n) * units[i]
	}
	return sign * d, nil
}

func findProp(props []ical.IANAProperty, name string) *ical.IANAProperty {
	for i := range props {
		if strings.EqualFold(props[i].IANAToken, name) {
			return &props[i]
		}
	}
	return nil
}
