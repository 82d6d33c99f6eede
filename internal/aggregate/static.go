package aggregate

import (
	"context"
	"slices"

	"rescal/internal/model"
)

// StaticSource serves a fixed reservation list, e.g. one read from config.
type StaticSource struct {
	reservations []model.Reservation
}

// NewStaticSource creates a StaticSource over a copy of reservations.
func NewStaticSource(reservations []model.Reservation) *StaticSource {
	return &StaticSource{reservations: slices.Clone(reservations)}
}

// ListReservations returns a copy of the configured list.
func (s *StaticSource) ListReservations(ctx context.Context) ([]model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(s.reservations), nil
}

// Len reports how many reservations are configured.
func (s *StaticSource) Len() int {
	return len(s.reservations)
}
