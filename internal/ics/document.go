package ics

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// Property names used across the pipeline.
const (
	PropUID         = "UID"
	PropDtStart     = "DTSTART"
	PropDtEnd       = "DTEND"
	PropSummary     = "SUMMARY"
	PropDescription = "DESCRIPTION"
	PropLocation    = "LOCATION"
	PropURL         = "URL"
)

// Metadata is the fixed descriptive header of an aggregate calendar.
type Metadata struct {
	Name        string
	Description string
	ProductID   string
	Method      string
	TimezoneID  string
}

// Document is a calendar document: ordered header properties plus
// sub-components. Property order is preserved on output.
type Document struct {
	cal *ical.Calendar
}

// NewDocument returns an empty calendar carrying meta in a fixed order.
func NewDocument(meta Metadata) *Document {
	d := &Document{cal: &ical.Calendar{
		Components:         []ical.Component{},
		CalendarProperties: []ical.CalendarProperty{},
	}}
	d.setHeader("VERSION", "2.0")
	d.setHeader("CALSCALE", "GREGORIAN")
	d.setHeader("PRODID", meta.ProductID)
	d.setHeader("METHOD", meta.Method)
	d.setHeader("TIMEZONE-ID", meta.TimezoneID)
	d.setHeader("X-WR-TIMEZONE", meta.TimezoneID)
	d.setHeader("X-WR-CALNAME", meta.Name)
	d.setHeader("X-WR-CALDESC", meta.Description)
	return d
}

// ParseDocument parses calendar text. It never fails: empty, malformed or
// non-calendar input yields a document without events.
func ParseDocument(body []byte) *Document {
	if len(bytes.TrimSpace(body)) == 0 {
		return &Document{cal: &ical.Calendar{}}
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil || cal == nil {
		return &Document{cal: &ical.Calendar{}}
	}
	return &Document{cal: cal}
}

func (d *Document) setHeader(name, value string) {
	if value == "" {
		return
	}
	d.cal.CalendarProperties = append(d.cal.CalendarProperties, ical.CalendarProperty{
		BaseProperty: ical.BaseProperty{
			IANAToken:      name,
			ICalParameters: map[string][]string{},
			Value:          value,
		},
	})
}

// Header returns the first value of a calendar-level property.
func (d *Document) Header(name string) (string, bool) {
	for _, p := range d.cal.CalendarProperties {
		if strings.EqualFold(p.IANAToken, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Events enumerates the VEVENT sub-components in document order.
func (d *Document) Events() []*Event {
	var out []*Event
	for _, comp := range d.cal.Components {
		if v, ok := comp.(*ical.VEvent); ok {
			out = append(out, &Event{v: v})
		}
	}
	return out
}

// AddEvent appends a VEVENT sub-component.
func (d *Document) AddEvent(e *Event) {
	d.cal.Components = append(d.cal.Components, e.v)
}

// AddZone appends the zone's VTIMEZONE definition.
func (d *Document) AddZone(z *Zone) {
	if z == nil || z.component == nil {
		return
	}
	d.cal.Components = append(d.cal.Components, z.component)
}

// Serialize renders the document with CRLF line endings and folded lines.
func (d *Document) Serialize() string {
	if len(d.cal.CalendarProperties) == 0 && len(d.cal.Components) == 0 {
		return "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"
	}
	return d.cal.Serialize()
}

// Event is a VEVENT sub-component.
type Event struct {
	v *ical.VEvent
}

// NewEvent returns an event with the given UID.
func NewEvent(uid string) *Event {
	e := &Event{v: &ical.VEvent{}}
	if uid != "" {
		e.Add(PropUID, uid)
	}
	return e
}

// First returns the raw first value of the named property.
func (e *Event) First(name string) (string, bool) {
	if p := e.prop(name); p != nil {
		return p.Value, true
	}
	return "", false
}

// Text returns the first value of a TEXT property. golang-ical unescapes
// TEXT values on parse, so the value is plain text.
func (e *Event) Text(name string) string {
	v, _ := e.First(name)
	return v
}

// Param returns the first value of a parameter on the named property.
func (e *Event) Param(name, key string) string {
	p := e.prop(name)
	if p == nil {
		return ""
	}
	for k, vs := range p.ICalParameters {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// Count returns how many times the named property occurs.
func (e *Event) Count(name string) int {
	n := 0
	for _, p := range e.v.Properties {
		if strings.EqualFold(p.IANAToken, name) {
			n++
		}
	}
	return n
}

// Add appends a property with a raw value. params are key, value pairs.
func (e *Event) Add(name, value string, params ...string) {
	ps := map[string][]string{}
	for i := 0; i+1 < len(params); i += 2 {
		ps[params[i]] = append(ps[params[i]], params[i+1])
	}
	e.v.Properties = append(e.v.Properties, ical.IANAProperty{
		BaseProperty: ical.BaseProperty{
			IANAToken:      name,
			ICalParameters: ps,
			Value:          value,
		},
	})
}

// Set replaces the first value of the named property in place, or appends
// it when absent.
func (e *Event) Set(name, value string) {
	if p := e.prop(name); p != nil {
		p.Value = value
		return
	}
	e.Add(name, value)
}

// SetText is Set for plain TEXT values; golang-ical escapes them on
// serialize.
func (e *Event) SetText(name, value string) {
	e.Set(name, value)
}

// Remove deletes every occurrence of the named property.
func (e *Event) Remove(name string) {
	e.v.Properties = slices.DeleteFunc(e.v.Properties, func(p ical.IANAProperty) bool {
		return strings.EqualFold(p.IANAToken, name)
	})
}

// Names lists property names in order.
func (e *Event) Names() []string {
	out := make([]string, 0, len(e.v.Properties))
	for _, p := range e.v.Properties {
		out = append(out, p.IANAToken)
	}
	return out
}

// StartAt resolves DTSTART to an instant; see TimeAt.
func (e *Event) StartAt(zone *Zone) (time.Time, error) {
	return e.TimeAt(PropDtStart, zone)
}

// EndAt resolves DTEND to an instant; see TimeAt.
func (e *Event) EndAt(zone *Zone) (time.Time, error) {
	return e.TimeAt(PropDtEnd, zone)
}

// TimeAt resolves a date or date-time property to an instant. A TZID equal
// to zone.ID is resolved through the zone table; other TZIDs go through the
// Go time database. Floating and date-only values are taken in zone (UTC
// when zone is nil).
func (e *Event) TimeAt(name string, zone *Zone) (time.Time, error) {
	p := e.prop(name)
	if p == nil {
		return time.Time{}, fmt.Errorf("missing %s", name)
	}
	return parseTimeValue(p.Value, e.Param(name, "TZID"), zone)
}

func (e *Event) prop(name string) *ical.IANAProperty {
	for i := range e.v.Properties {
		if strings.EqualFold(e.v.Properties[i].IANAToken, name) {
			return &e.v.Properties[i]
		}
	}
	return nil
}

func parseTimeValue(value, tzid string, zone *Zone) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		for _, layout := range []string{"20060102T150405Z", "20060102T1504Z"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse time value %q", v)
	}

	var wall time.Time
	var err error
	for _, layout := range []string{wallLayout, "20060102T1504", "20060102"} {
		if wall, err = time.Parse(layout, v); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to parse time value %q", v)
	}

	tzid = strings.TrimSpace(tzid)
	switch {
	case zone != nil && (tzid == "" || tzid == zone.ID):
		return zone.Instant(wall), nil
	case tzid != "":
		if loc, lerr := time.LoadLocation(tzid); lerr == nil {
			return time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, loc), nil
		}
	}
	return wall, nil
}
