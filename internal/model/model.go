package model

import (
	"time"

	"rescal/internal/ics"
)

// Reservation is one booking as listed by the reservation source. It is
// immutable once fetched.
type Reservation struct {
	ID string

	// OwnerName is the venue (facility owner) name, e.g. "Rex Putnam High School".
	OwnerName string
	// RenterLastName is the surname of the person who booked.
	RenterLastName string
	// EventName is the activity name; empty when the booking has none.
	EventName string

	Created      time.Time
	ApprovedDate time.Time
	// LastDate is the start of the last occurrence of the booking.
	LastDate time.Time
	Total    float64

	// FeedURL is the per-reservation iCalendar feed.
	FeedURL string
	// URL is the human-facing reservation page.
	URL string
}

// Feed pairs a reservation with the events of its fetched calendar.
type Feed struct {
	Reservation Reservation
	Events      []*ics.Event
}

// Event is a normalized event tagged with its source reservation.
type Event struct {
	Reservation Reservation
	Component   *ics.Event

	// Start is the resolved DTSTART instant used for ordering and cutoff.
	Start time.Time
	// End is the resolved DTEND instant; zero when absent or unparseable.
	End time.Time
	// Seq is the discovery order across all feeds of one aggregation run.
	Seq int
}
