package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type instrumentSourceStub struct {
	instruments []Instrument
	err         error
	calls       int
	lastFilter  InstrumentFilter
}

func (s *instrumentSourceStub) ListInstruments(ctx context.Context, filter InstrumentFilter) ([]Instrument, error) {
	s.calls++
	s.lastFilter = filter
	if s.err != nil {
		return nil, s.err
	}
	return s.instruments, nil
}

func TestCatalogService_ListActive(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	source := &instrumentSourceStub{instruments: []Instrument{
		{ID: "p-2", Name: "zeiss LSM", Status: "active"},
		{ID: "p-1", Name: "Bruker NMR", Status: "active"},
		{ID: "p-3", Name: "Retired FACS", Status: "retired"},
	}}
	svc := NewCatalogService(source, time.Minute, clock.Now)

	list, err := svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	want := []Instrument{
		{ID: "p-1", Name: "Bruker NMR", Status: "active"},
		{ID: "p-2", Name: "zeiss LSM", Status: "active"},
	}
	if diff := cmp.Diff(want, list.Instruments); diff != "" {
		t.Fatalf("instruments mismatch (-want +got):\n%s", diff)
	}
	if list.Stale || !list.FetchedAt.Equal(referenceTime) {
		t.Fatalf("unexpected list metadata: %#v", list)
	}
	if source.lastFilter.Status != "active" {
		t.Fatalf("expected active filter, got %#v", source.lastFilter)
	}

	if _, err := svc.ListActive(ctx); err != nil || source.calls != 1 {
		t.Fatalf("expected cached listing, got %d calls (%v)", source.calls, err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := svc.ListActive(ctx); err != nil || source.calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls (%v)", source.calls, err)
	}
}

func TestCatalogService_StaleFallback(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	source := &instrumentSourceStub{instruments: []Instrument{{ID: "p-1", Name: "NMR", Status: "active"}}}
	svc := NewCatalogService(source, time.Minute, clock.Now)

	if _, err := svc.ListActive(ctx); err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}

	source.err = errOffline
	list, err := svc.Refresh(ctx)
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if !list.Stale || len(list.Instruments) != 1 || !list.FetchedAt.Equal(referenceTime) {
		t.Fatalf("unexpected stale list: %#v", list)
	}
}

func TestCatalogService_NoCacheNoNetwork(t *testing.T) {
	svc := NewCatalogService(&instrumentSourceStub{err: errOffline}, time.Minute, nil)
	if _, err := svc.ListActive(context.Background()); !errors.Is(err, ErrRemoteTransient) {
		t.Fatalf("expected ErrRemoteTransient, got %v", err)
	}
}

func TestInstrumentCache(t *testing.T) {
	clock := newTestClock()
	cache := newInstrumentCache(time.Minute, 2, clock.Now)

	if _, _, _, ok := cache.Get("active"); ok {
		t.Fatalf("expected empty cache miss")
	}

	source := []Instrument{{ID: "p-1", Name: "NMR"}}
	cache.Store("active", source)
	source[0].Name = "mutated"

	got, fetchedAt, fresh, ok := cache.Get("active")
	if !ok || !fresh || got[0].Name != "NMR" || !fetchedAt.Equal(referenceTime) {
		t.Fatalf("unexpected cache hit: %#v fresh=%v ok=%v", got, fresh, ok)
	}

	clock.Advance(2 * time.Minute)
	if _, _, fresh, ok := cache.Get("active"); !ok || fresh {
		t.Fatalf("expected expired entry to be kept, fresh=%v ok=%v", fresh, ok)
	}

	cache.Store("a", nil)
	clock.Advance(time.Second)
	cache.Store("b", nil)
	if _, _, _, ok := cache.Get("active"); ok {
		t.Fatalf("expected oldest entry evicted")
	}

	cache.Invalidate()
	if _, _, fresh, ok := cache.Get("b"); !ok || fresh {
		t.Fatalf("expected invalidated entry kept but stale")
	}
}

type bookingSourceStub struct {
	bookings []Booking
	err      error
	query    BookingQuery
}

func (s *bookingSourceStub) ListBookings(ctx context.Context, query BookingQuery) ([]Booking, error) {
	s.query = query
	return s.bookings, s.err
}

func TestRemoteBookingResolver(t *testing.T) {
	ctx := context.Background()
	at := referenceTime.Add(30 * time.Minute)

	source := &bookingSourceStub{bookings: []Booking{
		{ID: "b-cancelled", UserID: "user-1", ProductID: "prod-1", StartTime: referenceTime, EndTime: referenceTime.Add(time.Hour), Status: "cancelled"},
		{ID: "b-early", UserID: "user-1", ProductID: "prod-1", StartTime: referenceTime.Add(-time.Hour), EndTime: referenceTime.Add(time.Hour), Status: "confirmed"},
		{ID: "b-late", UserID: "user-1", ProductID: "prod-1", StartTime: referenceTime, EndTime: referenceTime.Add(time.Hour), Status: "confirmed"},
	}}
	resolver := NewRemoteBookingResolver(source)

	id, err := resolver.ResolveBooking(ctx, "user-1", "prod-1", at)
	if err != nil || id != "b-late" {
		t.Fatalf("expected b-late, got %q (%v)", id, err)
	}
	if source.query.UserID != "user-1" || source.query.ProductID != "prod-1" {
		t.Fatalf("unexpected query: %#v", source.query)
	}

	if id, _ := resolver.ResolveBooking(ctx, "user-1", "prod-1", referenceTime.Add(3*time.Hour)); id != "" {
		t.Fatalf("expected no covering booking, got %q", id)
	}

	source.err = errOffline
	if _, err := resolver.ResolveBooking(ctx, "user-1", "prod-1", at); !errors.Is(err, ErrRemoteTransient) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}
