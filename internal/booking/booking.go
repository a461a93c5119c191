package booking

import (
	"sort"
	"time"
)

// StatusConfirmed marks a booking that reserves the instrument.
const StatusConfirmed = "confirmed"

// Booking represents a reservation of an instrument by a user.
type Booking struct {
	ID        string
	UserID    string
	ProductID string
	Start     time.Time
	End       time.Time
	Status    string
}

// Covers reports whether the booking window contains at. Both ends are inclusive.
func Covers(b Booking, at time.Time) bool {
	return !at.Before(b.Start) && !at.After(b.End)
}

// SelectCovering returns the confirmed booking of userID on productID whose
// window contains at. When several qualify, the one that started last wins.
func SelectCovering(bookings []Booking, userID, productID string, at time.Time) (Booking, bool) {
	candidates := make([]Booking, 0, len(bookings))
	for _, b := range bookings {
		if b.UserID != userID || b.ProductID != productID {
			continue
		}
		if b.Status != StatusConfirmed {
			continue
		}
		if !Covers(b, at) {
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return Booking{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].Start.Equal(candidates[j].Start) {
			return candidates[i].Start.After(candidates[j].Start)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}
