// Package normalize rewrites raw reservation feed events into the canonical
// form published by the aggregate calendar.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rescal/internal/ics"
	appLog "rescal/internal/log"
	"rescal/internal/model"
)

// PropReservation tags a normalized event with its source reservation ID.
const PropReservation = "X-RESCAL-RESERVATION"

const (
	defaultActivity = "Soccer"
	defaultField    = "Main"
	fallbackSummary = "Reservation"
)

// uidNamespace seeds deterministic UIDs for feed events that lack one.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("rescal/event"))

// Options configures a Normalizer. Zero values pick defaults.
type Options struct {
	Policy Policy
	// Zone, when non-nil, is used for the short creation date and, with
	// Retime, as the target zone for DTSTART/DTEND.
	Zone   *ics.Zone
	Retime bool
	// SummaryWithField appends " on <field>" to the venue summary.
	SummaryWithField bool
	DefaultActivity  string
	DefaultField     string
}

// Normalizer rewrites events in place. It is stateless and safe for
// concurrent use.
type Normalizer struct {
	opts Options
}

// New creates a Normalizer, filling unset options with the venue-in-parens
// policy and the default activity and field.
func New(opts Options) *Normalizer {
	if opts.Policy == "" {
		opts.Policy = PolicyVenueInParens
	}
	if opts.DefaultActivity == "" {
		opts.DefaultActivity = defaultActivity
	}
	if opts.DefaultField == "" {
		opts.DefaultField = defaultField
	}
	return &Normalizer{opts: opts}
}

// Normalize mutates ev into canonical form for reservation r. Calling it again
// for the same reservation leaves the event unchanged.
func (n *Normalizer) Normalize(ev *ics.Event, r model.Reservation) {
	if tag, ok := ev.First(PropReservation); ok && tag == r.ID {
		return
	}

	raw := ev.Text(ics.PropSummary)
	for _, name := range []string{ics.PropSummary, ics.PropDescription, ics.PropLocation} {
		if _, ok := ev.First(name); !ok {
			ev.Add(name, "")
		}
	}

	venue, field := Resolve(n.opts.Policy, ParseSummary(raw), r.OwnerName, n.opts.DefaultField)

	summary := venue
	if summary == "" {
		summary = strings.TrimSpace(raw)
	}
	if summary == "" {
		summary = fallbackSummary
	}
	if n.opts.SummaryWithField && venue != "" {
		summary += " on " + field
	}

	ev.SetText(ics.PropSummary, summary)
	ev.SetText(ics.PropDescription, n.Description(r, venue, field))
	ev.SetText(ics.PropLocation, venue)

	ev.Remove(ics.PropURL)
	ev.Add(ics.PropURL, r.URL)
	ev.Remove(PropReservation)
	ev.Add(PropReservation, r.ID)

	if _, ok := ev.First(ics.PropUID); !ok {
		ev.Add(ics.PropUID, syntheticUID(ev, r))
	}

	if n.opts.Retime && n.opts.Zone != nil {
		n.retime(ev, r)
	}
}

// Description composes the canonical event description.
func (n *Normalizer) Description(r model.Reservation, venue, field string) string {
	activity := r.EventName
	if activity == "" {
		activity = n.opts.DefaultActivity
	}
	return fmt.Sprintf("%s at %s (%s) reserved by %s on %s\n%s",
		activity, venue, field, r.RenterLastName, n.shortDate(r.Created), r.URL)
}

// shortDate renders "Jun 7" in the configured zone, UTC otherwise.
func (n *Normalizer) shortDate(t time.Time) string {
	if n.opts.Zone != nil {
		t = n.opts.Zone.In(t)
	} else {
		t = t.UTC()
	}
	return t.Format("Jan 2")
}

// retime re-expresses DTSTART and DTEND as wall time in the target zone.
// Originals are removed first so no property is duplicated.
func (n *Normalizer) retime(ev *ics.Event, r model.Reservation) {
	zone := n.opts.Zone
	for _, name := range []string{ics.PropDtStart, ics.PropDtEnd} {
		if _, ok := ev.First(name); !ok {
			continue
		}
		if ev.Param(name, "VALUE") == "DATE" {
			continue
		}
		at, err := ev.TimeAt(name, zone)
		if err != nil {
			appLog.Debug("normalize: keeping unparseable time", "reservation", r.ID, "property", name, "err", err)
			continue
		}
		ev.Remove(name)
		ev.Add(name, zone.In(at).Format("20060102T150405"), "TZID", zone.ID)
	}
}

func syntheticUID(ev *ics.Event, r model.Reservation) string {
	start, _ := ev.First(ics.PropDtStart)
	return uuid.NewSHA1(uidNamespace, []byte(r.URL+"|"+r.ID+"|"+start)).String() + "@rescal"
}
