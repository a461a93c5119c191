package application

import (
	"context"
	"time"

	"github.com/example/instrument-gateway/internal/booking"
)

// BookingSource lists bookings from the backend.
type BookingSource interface {
	ListBookings(ctx context.Context, query BookingQuery) ([]Booking, error)
}

// RemoteBookingResolver picks the confirmed booking covering the session start.
type RemoteBookingResolver struct {
	source BookingSource
}

// NewRemoteBookingResolver constructs a RemoteBookingResolver.
func NewRemoteBookingResolver(source BookingSource) *RemoteBookingResolver {
	return &RemoteBookingResolver{source: source}
}

// ResolveBooking implements BookingResolver.
func (r *RemoteBookingResolver) ResolveBooking(ctx context.Context, userID, productID string, at time.Time) (string, error) {
	if r == nil || r.source == nil {
		return "", nil
	}
	listed, err := r.source.ListBookings(ctx, BookingQuery{UserID: userID, ProductID: productID})
	if err != nil {
		return "", err
	}
	candidates := make([]booking.Booking, 0, len(listed))
	for _, b := range listed {
		candidates = append(candidates, booking.Booking{
			ID:        b.ID,
			UserID:    b.UserID,
			ProductID: b.ProductID,
			Start:     b.StartTime,
			End:       b.EndTime,
			Status:    b.Status,
		})
	}
	selected, ok := booking.SelectCovering(candidates, userID, productID, at)
	if !ok {
		return "", nil
	}
	return selected.ID, nil
}
