package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoEventFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Source 2//EN
CALSCALE:GREGORIAN
BEGIN:VEVENT
UID:event2@source2
SUMMARY:Event 2 from Source 2
DTSTART:20250406T120000Z
DTEND:20250406T130000Z
END:VEVENT
BEGIN:VEVENT
UID:event3@source2
SUMMARY:Event 3 from Source 2
DTSTART:20250407T140000Z
DTEND:20250407T150000Z
END:VEVENT
END:VCALENDAR`

func TestParseDocument_Events(t *testing.T) {
	doc := ParseDocument([]byte(twoEventFeed))
	events := doc.Events()
	require.Len(t, events, 2)

	assert.Equal(t, []string{"UID", "SUMMARY", "DTSTART", "DTEND"}, events[0].Names())
	uid, ok := events[1].First(PropUID)
	require.True(t, ok)
	assert.Equal(t, "event3@source2", uid)
	assert.Equal(t, "Event 2 from Source 2", events[0].Text(PropSummary))

	start, err := events[0].StartAt(nil)
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2025, 4, 6, 12, 0, 0, 0, time.UTC)))
}

func TestParseDocument_NeverFails(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "whitespace", body: "  \n "},
		{name: "html", body: "<!DOCTYPE html><html><body>login</body></html>"},
		{name: "no_events", body: "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//Empty Source//EN\nCALSCALE:GREGORIAN\nEND:VCALENDAR"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := ParseDocument([]byte(tc.body))
			require.NotNil(t, doc)
			assert.Empty(t, doc.Events())
			out := doc.Serialize()
			assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR"))
			assert.Contains(t, out, "END:VCALENDAR")
		})
	}
}

func TestNewDocument_HeaderOrder(t *testing.T) {
	doc := NewDocument(Metadata{
		Name:        "Reservations",
		Description: "Combined, sorted events",
		ProductID:   "-//rescal//Reservations//EN",
		Method:      "PUBLISH",
		TimezoneID:  "America/Los_Angeles",
	})
	out := doc.Serialize()

	order := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"CALSCALE:GREGORIAN",
		"PRODID:-//rescal//Reservations//EN",
		"METHOD:PUBLISH",
		"TIMEZONE-ID:America/Los_Angeles",
		"X-WR-TIMEZONE:America/Los_Angeles",
		"X-WR-CALNAME:Reservations",
		`X-WR-CALDESC:Combined\, sorted events`,
		"END:VCALENDAR",
	}
	last := -1
	for _, want := range order {
		idx := strings.Index(out, want)
		require.GreaterOrEqual(t, idx, 0, "missing %q in\n%s", want, out)
		assert.Greater(t, idx, last, "%q out of order", want)
		last = idx
	}
	assert.NotContains(t, out, "BEGIN:VEVENT")
}

func TestEvent_PropertyOperations(t *testing.T) {
	e := NewEvent("abc")
	e.Add(PropSummary, "first")
	e.Add(PropURL, "https://one")
	e.Add(PropURL, "https://two")

	assert.Equal(t, 2, e.Count(PropURL))
	v, ok := e.First(PropURL)
	require.True(t, ok)
	assert.Equal(t, "https://one", v)

	e.Remove(PropURL)
	assert.Zero(t, e.Count(PropURL))
	_, ok = e.First(PropURL)
	assert.False(t, ok)

	e.Set(PropSummary, "second")
	assert.Equal(t, []string{"UID", "SUMMARY"}, e.Names())
	assert.Equal(t, "second", e.Text(PropSummary))

	e.SetText(PropDescription, "line one, more\nline two")
	assert.Equal(t, "line one, more\nline two", e.Text(PropDescription))
}

func TestDocument_RoundTrip(t *testing.T) {
	doc := NewDocument(Metadata{ProductID: "-//test//EN", Method: "PUBLISH"})
	e := NewEvent("round@trip")
	e.Add(PropDtStart, "20250125T090000", "TZID", DefaultZoneID)
	e.SetText(PropDescription, "Soccer at Field (Main)\nhttps://example.com/reservation/1")
	doc.AddEvent(e)

	parsed := ParseDocument([]byte(doc.Serialize()))
	events := parsed.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Soccer at Field (Main)\nhttps://example.com/reservation/1", events[0].Text(PropDescription))
	assert.Equal(t, DefaultZoneID, events[0].Param(PropDtStart, "TZID"))

	start, err := events[0].StartAt(DefaultZone())
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2025, 1, 25, 17, 0, 0, 0, time.UTC)), "got %s", start)
}

func TestEvent_TextEscapedOnce(t *testing.T) {
	doc := NewDocument(Metadata{Name: "Fields; Gyms", ProductID: "-//test//EN"})
	e := NewEvent("escape@once")
	e.SetText(PropDescription, `line one, more\path`+"\nline two")
	doc.AddEvent(e)

	out := doc.Serialize()
	assert.Contains(t, out, `DESCRIPTION:line one\, more\\path\nline two`)
	assert.NotContains(t, out, `\\,`)
	assert.Contains(t, out, `X-WR-CALNAME:Fields\; Gyms`)

	parsed := ParseDocument([]byte(out))
	require.Len(t, parsed.Events(), 1)
	assert.Equal(t, `line one, more\path`+"\nline two", parsed.Events()[0].Text(PropDescription))
	name, ok := parsed.Header("X-WR-CALNAME")
	require.True(t, ok)
	assert.Equal(t, "Fields; Gyms", name)
}

func TestParseTimeValue(t *testing.T) {
	zone := DefaultZone()
	tests := []struct {
		name  string
		value string
		tzid  string
		zone  *Zone
		want  time.Time
	}{
		{name: "utc", value: "20250406T120000Z", want: time.Date(2025, 4, 6, 12, 0, 0, 0, time.UTC)},
		{name: "floating_no_zone", value: "20250406T120000", want: time.Date(2025, 4, 6, 12, 0, 0, 0, time.UTC)},
		{name: "floating_in_zone", value: "20250406T120000", zone: zone, want: time.Date(2025, 4, 6, 19, 0, 0, 0, time.UTC)},
		{name: "zone_tzid", value: "20250125T090000", tzid: DefaultZoneID, zone: zone, want: time.Date(2025, 1, 25, 17, 0, 0, 0, time.UTC)},
		{name: "date_only", value: "20250406", want: time.Date(2025, 4, 6, 0, 0, 0, 0, time.UTC)},
		{name: "unknown_tzid", value: "20250406T120000", tzid: "Nowhere/Invalid", want: time.Date(2025, 4, 6, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseTimeValue(tc.value, tc.tzid, tc.zone)
			require.NoError(t, err)
			assert.True(t, got.Equal(tc.want), "got %s, want %s", got, tc.want)
		})
	}

	_, err := parseTimeValue("not-a-date", "", nil)
	assert.Error(t, err)
}
