package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rescal/internal/ics"
	"rescal/internal/model"
)

func rexPutnam() model.Reservation {
	return model.Reservation{
		ID:             "66EQ84QE3QU4",
		OwnerName:      "Rex Putnam High School",
		RenterLastName: "Smith",
		Created:        time.Date(2021, 6, 7, 15, 57, 56, 312e6, time.UTC),
		LastDate:       time.Date(2028, 4, 20, 1, 0, 0, 0, time.UTC),
		FeedURL:        "https://www.facilitron.com/icalendar/reservation/66EQ84QE3QU4",
		URL:            "https://www.facilitron.com/reservation/66EQ84QE3QU4",
	}
}

func parseOne(t *testing.T, body string) *ics.Event {
	t.Helper()
	events := ics.ParseDocument([]byte(body)).Events()
	require.Len(t, events, 1)
	return events[0]
}

const footballFeed = `BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:event3@source2
SUMMARY:Practice - Field - Football (Rex Putnam High School)
DTSTART:20250125T170000Z
DTEND:20250125T190000Z
END:VEVENT
END:VCALENDAR`

func TestNormalize_VenueInParens(t *testing.T) {
	n := New(Options{Zone: ics.DefaultZone()})
	ev := parseOne(t, footballFeed)

	n.Normalize(ev, rexPutnam())

	assert.Equal(t, "Rex Putnam High School", ev.Text(ics.PropSummary))
	assert.Equal(t, "Rex Putnam High School", ev.Text(ics.PropLocation))
	assert.Equal(t,
		"Soccer at Rex Putnam High School (Field - Football) reserved by Smith on Jun 7\n"+
			"https://www.facilitron.com/reservation/66EQ84QE3QU4",
		ev.Text(ics.PropDescription))

	url, ok := ev.First(ics.PropURL)
	require.True(t, ok)
	assert.Equal(t, "https://www.facilitron.com/reservation/66EQ84QE3QU4", url)

	tag, _ := ev.First(PropReservation)
	assert.Equal(t, "66EQ84QE3QU4", tag)

	// Retime is off: the original UTC value is untouched.
	start, _ := ev.First(ics.PropDtStart)
	assert.Equal(t, "20250125T170000Z", start)
}

func TestNormalize_VenueFromOwnerWithEventName(t *testing.T) {
	n := New(Options{Policy: PolicyVenueFromOwner, SummaryWithField: true})
	r := rexPutnam()
	r.EventName = "Lacrosse"
	ev := parseOne(t, strings.Replace(footballFeed, "Practice - Field - Football (Rex Putnam High School)", "Game - Turf (Stadium)", 1))

	n.Normalize(ev, r)

	assert.Equal(t, "Rex Putnam High School on Stadium", ev.Text(ics.PropSummary))
	assert.True(t, strings.HasPrefix(ev.Text(ics.PropDescription), "Lacrosse at Rex Putnam High School (Stadium) reserved by Smith on Jun 7\n"))
}

func TestNormalize_MalformedSummaryDefaults(t *testing.T) {
	n := New(Options{})
	ev := ics.NewEvent("x@y")
	ev.Add(ics.PropDtStart, "20250125T170000Z")

	r := rexPutnam()
	r.OwnerName = "NCSD"
	n.Normalize(ev, r)

	assert.Equal(t, "NCSD", ev.Text(ics.PropSummary))
	assert.Equal(t, "NCSD", ev.Text(ics.PropLocation))
	assert.Contains(t, ev.Text(ics.PropDescription), "Soccer at NCSD (Main) reserved by Smith")
}

func TestNormalize_NeverEmptySummary(t *testing.T) {
	n := New(Options{})
	ev := ics.NewEvent("x@y")
	ev.Add(ics.PropSummary, "Board meeting")

	r := rexPutnam()
	r.OwnerName = ""
	n.Normalize(ev, r)
	assert.Equal(t, "Board meeting", ev.Text(ics.PropSummary))

	ev = ics.NewEvent("x@z")
	n.Normalize(ev, r)
	assert.Equal(t, fallbackSummary, ev.Text(ics.PropSummary))
}

func TestNormalize_Idempotent(t *testing.T) {
	n := New(Options{Zone: ics.DefaultZone(), Retime: true})
	ev := parseOne(t, footballFeed)
	r := rexPutnam()

	n.Normalize(ev, r)
	description := ev.Text(ics.PropDescription)
	names := ev.Names()

	n.Normalize(ev, r)

	assert.Equal(t, 1, ev.Count(ics.PropURL))
	assert.Equal(t, 1, ev.Count(ics.PropDtStart))
	assert.Equal(t, description, ev.Text(ics.PropDescription))
	assert.Equal(t, names, ev.Names())
}

func TestNormalize_ReplacesPriorBackLink(t *testing.T) {
	n := New(Options{})
	ev := parseOne(t, strings.Replace(footballFeed, "UID:event3@source2", "UID:event3@source2\nURL:https://old.example.com/x", 1))

	n.Normalize(ev, rexPutnam())

	assert.Equal(t, 1, ev.Count(ics.PropURL))
	url, _ := ev.First(ics.PropURL)
	assert.Equal(t, "https://www.facilitron.com/reservation/66EQ84QE3QU4", url)
}

func TestNormalize_Retime(t *testing.T) {
	zone := ics.DefaultZone()
	n := New(Options{Zone: zone, Retime: true})
	ev := parseOne(t, footballFeed)

	n.Normalize(ev, rexPutnam())

	start, _ := ev.First(ics.PropDtStart)
	end, _ := ev.First(ics.PropDtEnd)
	assert.Equal(t, "20250125T090000", start)
	assert.Equal(t, "20250125T110000", end)
	assert.Equal(t, ics.DefaultZoneID, ev.Param(ics.PropDtStart, "TZID"))
	assert.Equal(t, 1, ev.Count(ics.PropDtStart))
	assert.Equal(t, 1, ev.Count(ics.PropDtEnd))

	at, err := ev.StartAt(zone)
	require.NoError(t, err)
	assert.True(t, at.Equal(time.Date(2025, 1, 25, 17, 0, 0, 0, time.UTC)))
}

func TestNormalize_SyntheticUIDIsDeterministic(t *testing.T) {
	n := New(Options{})
	mk := func() *ics.Event {
		ev := ics.NewEvent("")
		ev.Add(ics.PropSummary, "Practice (Gym)")
		ev.Add(ics.PropDtStart, "20250125T170000Z")
		return ev
	}
	a, b := mk(), mk()
	n.Normalize(a, rexPutnam())
	n.Normalize(b, rexPutnam())

	uidA, ok := a.First(ics.PropUID)
	require.True(t, ok)
	uidB, _ := b.First(ics.PropUID)
	assert.Equal(t, uidA, uidB)
	assert.True(t, strings.HasSuffix(uidA, "@rescal"))
}

func TestDescription_ShortDateInZone(t *testing.T) {
	n := New(Options{Zone: ics.DefaultZone()})
	r := rexPutnam()
	// 03:00Z on Jun 8 is still Jun 7 in Pacific time.
	r.Created = time.Date(2021, 6, 8, 3, 0, 0, 0, time.UTC)
	assert.Contains(t, n.Description(r, "Venue", "Main"), "reserved by Smith on Jun 7\n")
}
