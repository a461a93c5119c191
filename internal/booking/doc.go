// Package booking selects the reservation a usage session belongs to.
package booking
