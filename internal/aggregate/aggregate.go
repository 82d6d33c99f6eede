// Package aggregate merges per-reservation calendar feeds into one
// normalized calendar document.
package aggregate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"rescal/internal/ics"
	appLog "rescal/internal/log"
	"rescal/internal/model"
	"rescal/internal/normalize"
)

// ReservationSource lists the reservations whose feeds are aggregated.
type ReservationSource interface {
	ListReservations(ctx context.Context) ([]model.Reservation, error)
}

// FeedFetcher downloads feeds. Results hold successes only, in source order.
type FeedFetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) ([]ics.FetchResult, []error)
}

// DefaultMetadata is the descriptive header of the published calendar.
func DefaultMetadata() ics.Metadata {
	return ics.Metadata{
		Name:        "Facilitron Reservations Calendar",
		Description: "Combined events across a set of Facilitron reservations",
		ProductID:   "-//rescal//Reservation Aggregator//EN",
		Method:      "PUBLISH",
		TimezoneID:  ics.DefaultZoneID,
	}
}

// Options configures an Aggregator.
type Options struct {
	Metadata ics.Metadata
	// Zone resolves floating and zone-local start times. Nil means UTC.
	Zone *ics.Zone
	// IncludeZone emits Zone's VTIMEZONE definition ahead of the events.
	IncludeZone bool
}

// Aggregator runs list, filter, fetch, normalize, sort, cutoff and
// serialize for one request. It holds no per-request state.
type Aggregator struct {
	source     ReservationSource
	fetcher    FeedFetcher
	normalizer *normalize.Normalizer
	opts       Options
}

// New creates an Aggregator. Empty Metadata falls back to DefaultMetadata
// and a nil normalizer to one working in opts.Zone.
func New(source ReservationSource, fetcher FeedFetcher, normalizer *normalize.Normalizer, opts Options) *Aggregator {
	if opts.Metadata == (ics.Metadata{}) {
		opts.Metadata = DefaultMetadata()
	}
	if normalizer == nil {
		normalizer = normalize.New(normalize.Options{Zone: opts.Zone})
	}
	return &Aggregator{
		source:     source,
		fetcher:    fetcher,
		normalizer: normalizer,
		opts:       opts,
	}
}

// Aggregate returns the serialized calendar of all events of matching
// reservations that start strictly after cutoff. Only a failure to list
// reservations is returned as an error; feed failures drop that feed.
func (a *Aggregator) Aggregate(ctx context.Context, cutoff time.Time, locations []string) (string, error) {
	events, err := a.Collect(ctx, cutoff, locations)
	if err != nil {
		return "", err
	}

	doc := ics.NewDocument(a.opts.Metadata)
	if a.opts.IncludeZone && a.opts.Zone != nil {
		doc.AddZone(a.opts.Zone)
	}
	for _, ev := range events {
		doc.AddEvent(ev.Component)
	}
	return doc.Serialize(), nil
}

// Collect runs the pipeline up to, but not including, serialization and
// returns the ordered surviving events.
func (a *Aggregator) Collect(ctx context.Context, cutoff time.Time, locations []string) ([]model.Event, error) {
	all, err := a.source.ListReservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}

	reservations := FilterReservations(all, cutoff, locations)
	appLog.Info("aggregate: reservations selected",
		"listed", len(all),
		"selected", len(reservations),
		"cutoff", cutoff.UTC().Format(time.RFC3339),
		"locations", strings.Join(locations, ","),
	)
	if len(reservations) == 0 {
		return []model.Event{}, nil
	}

	feeds := a.download(ctx, reservations)

	var events []model.Event
	seq := 0
	for _, feed := range feeds {
		if len(feed.Events) == 0 {
			appLog.Info("aggregate: feed has no events", "reservation", feed.Reservation.ID)
			continue
		}
		for _, ev := range feed.Events {
			// Resolve instants from the feed's own values. A re-timed wall
			// clock is ambiguous in the repeated fall-back hour.
			start, err := ev.StartAt(a.opts.Zone)
			if err != nil {
				appLog.Warn("aggregate: dropping event without usable start", "reservation", feed.Reservation.ID, "err", err)
				continue
			}
			end, _ := ev.EndAt(a.opts.Zone)
			a.normalizer.Normalize(ev, feed.Reservation)
			events = append(events, model.Event{
				Reservation: feed.Reservation,
				Component:   ev,
				Start:       start,
				End:         end,
				Seq:         seq,
			})
			seq++
		}
	}

	slices.SortStableFunc(events, func(x, y model.Event) int {
		if c := x.Start.Compare(y.Start); c != 0 {
			return c
		}
		return cmp.Compare(x.Seq, y.Seq)
	})

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.Start.After(cutoff) {
			out = append(out, ev)
		}
	}
	appLog.Info("aggregate: events merged", "feeds", len(feeds), "events", len(events), "kept", len(out))
	return out, nil
}

// download fetches the feed of every reservation and parses each body.
// Feeds keep reservation order; failed fetches are absent.
func (a *Aggregator) download(ctx context.Context, reservations []model.Reservation) []model.Feed {
	byID := make(map[string]model.Reservation, len(reservations))
	sources := make([]ics.Source, 0, len(reservations))
	for _, r := range reservations {
		byID[r.ID] = r
		sources = append(sources, ics.Source{ID: r.ID, URL: r.FeedURL})
	}

	results, errs := a.fetcher.FetchAll(ctx, sources)
	if len(errs) > 0 {
		appLog.Warn("aggregate: some feeds failed", "failed", len(errs), "ok", len(results))
	}

	feeds := make([]model.Feed, 0, len(results))
	for _, res := range results {
		r, ok := byID[res.Source.ID]
		if !ok {
			continue
		}
		feeds = append(feeds, model.Feed{
			Reservation: r,
			Events:      ics.ParseDocument(res.Body).Events(),
		})
	}
	return feeds
}

// FilterReservations keeps reservations whose last occurrence is strictly
// after cutoff and, when locations is non-empty, whose owner name contains
// at least one of them (case-sensitive). Duplicate IDs keep the first entry.
func FilterReservations(all []model.Reservation, cutoff time.Time, locations []string) []model.Reservation {
	seen := make(map[string]bool, len(all))
	out := make([]model.Reservation, 0, len(all))
	for _, r := range all {
		if seen[r.ID] {
			continue
		}
		if !r.LastDate.After(cutoff) {
			continue
		}
		if !matchesLocation(r.OwnerName, locations) {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

func matchesLocation(owner string, locations []string) bool {
	if len(locations) == 0 {
		return true
	}
	for _, l := range locations {
		if strings.Contains(owner, l) {
			return true
		}
	}
	return false
}
