package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/instrument-gateway/internal/application"
	"github.com/example/instrument-gateway/internal/persistence"
	"github.com/example/instrument-gateway/internal/remote"
	"github.com/example/instrument-gateway/internal/secretstore"
)

// queueStoreAdapter stores application queue entries through a persistence
// repository.
type queueStoreAdapter struct {
	repo persistence.QueueRepository
}

func (a queueStoreAdapter) AppendEntry(ctx context.Context, entry application.QueueEntry) (application.QueueEntry, error) {
	record, err := a.repo.AppendEntry(ctx, toQueueRecord(entry))
	if err != nil {
		return application.QueueEntry{}, mapPersistenceError(err)
	}
	return toQueueEntry(record), nil
}

func (a queueStoreAdapter) UpdateEntry(ctx context.Context, entry application.QueueEntry) error {
	return mapPersistenceError(a.repo.UpdateEntry(ctx, toQueueRecord(entry)))
}

func (a queueStoreAdapter) DeleteEntry(ctx context.Context, eventID string) error {
	return mapPersistenceError(a.repo.DeleteEntry(ctx, eventID))
}

func (a queueStoreAdapter) ListEntries(ctx context.Context) ([]application.QueueEntry, error) {
	records, err := a.repo.ListEntries(ctx)
	if err != nil {
		return nil, mapPersistenceError(err)
	}
	entries := make([]application.QueueEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, toQueueEntry(record))
	}
	return entries, nil
}

// activeSessionStoreAdapter stores the session snapshot through a persistence
// repository.
type activeSessionStoreAdapter struct {
	repo persistence.ActiveSessionRepository
}

func (a activeSessionStoreAdapter) SaveActiveSession(ctx context.Context, session application.ActiveSession) error {
	return mapPersistenceError(a.repo.SaveActiveSession(ctx, persistence.ActiveSessionRecord{
		SessionID: session.SessionID,
		ProductID: session.ProductID,
		UserID:    session.UserID,
		BookingID: session.BookingID,
		StartTime: session.StartTime,
	}))
}

func (a activeSessionStoreAdapter) LoadActiveSession(ctx context.Context) (application.ActiveSession, error) {
	record, err := a.repo.LoadActiveSession(ctx)
	if err != nil {
		return application.ActiveSession{}, mapPersistenceError(err)
	}
	return application.ActiveSession{
		SessionID: record.SessionID,
		ProductID: record.ProductID,
		UserID:    record.UserID,
		BookingID: record.BookingID,
		StartTime: record.StartTime,
	}, nil
}

func (a activeSessionStoreAdapter) ClearActiveSession(ctx context.Context) error {
	return mapPersistenceError(a.repo.ClearActiveSession(ctx))
}

func mapPersistenceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return application.ErrNotFound
	case errors.Is(err, persistence.ErrDuplicate):
		return application.ErrDuplicateEvent
	}
	return fmt.Errorf("%w: %v", application.ErrLocalStorage, err)
}

func toQueueRecord(entry application.QueueEntry) persistence.QueueRecord {
	event := entry.Event
	return persistence.QueueRecord{
		Seq:             entry.Seq,
		EventID:         event.EventID,
		SessionID:       event.SessionID,
		Kind:            string(event.Kind),
		ProductID:       event.ProductID,
		UserID:          event.UserID,
		BookingID:       event.BookingID,
		OccurredAt:      event.Timestamp,
		StartTime:       event.StartTime,
		DurationSeconds: event.Payload.DurationSeconds,
		SessionStatus:   string(event.Payload.Status),
		Status:          string(entry.Status),
		Terminal:        entry.Terminal,
		AttemptCount:    entry.AttemptCount,
		NextRetryAt:     entry.NextRetryAt,
		LastAttemptAt:   entry.LastAttemptAt,
		LastError:       entry.LastError,
		LastErrorKind:   string(entry.LastErrorKind),
		EnqueuedAt:      entry.EnqueuedAt,
	}
}

func toQueueEntry(record persistence.QueueRecord) application.QueueEntry {
	return application.QueueEntry{
		Seq: record.Seq,
		Event: application.SessionEvent{
			EventID:   record.EventID,
			SessionID: record.SessionID,
			Kind:      application.EventKind(record.Kind),
			ProductID: record.ProductID,
			UserID:    record.UserID,
			BookingID: record.BookingID,
			Timestamp: record.OccurredAt,
			StartTime: record.StartTime,
			Payload: application.EventPayload{
				DurationSeconds: record.DurationSeconds,
				Status:          application.SessionStatus(record.SessionStatus),
			},
		},
		Status:        application.EntryStatus(record.Status),
		Terminal:      record.Terminal,
		AttemptCount:  record.AttemptCount,
		NextRetryAt:   record.NextRetryAt,
		LastAttemptAt: record.LastAttemptAt,
		LastError:     record.LastError,
		LastErrorKind: application.FailureKind(record.LastErrorKind),
		EnqueuedAt:    record.EnqueuedAt,
	}
}

// credentialStoreAdapter keeps application credentials in a secret store.
type credentialStoreAdapter struct {
	store secretstore.Store
}

func (a credentialStoreAdapter) Get(ctx context.Context) (application.Credentials, error) {
	creds, err := a.store.Get(ctx)
	if err != nil {
		return application.Credentials{}, mapSecretError(err)
	}
	return application.Credentials{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.ExpiresAt,
		UserID:       creds.UserID,
		Email:        creds.Email,
	}, nil
}

func (a credentialStoreAdapter) Set(ctx context.Context, creds application.Credentials) error {
	return mapSecretError(a.store.Set(ctx, secretstore.Credentials{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    creds.Expiry,
		UserID:       creds.UserID,
		Email:        creds.Email,
	}))
}

func (a credentialStoreAdapter) Clear(ctx context.Context) error {
	return mapSecretError(a.store.Clear(ctx))
}

func mapSecretError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, secretstore.ErrNoCredentials):
		return application.ErrNotAuthenticated
	}
	return fmt.Errorf("%w: %v", application.ErrLocalStorage, err)
}

// authBackendAdapter exposes the remote auth endpoints to AuthService.
type authBackendAdapter struct {
	client *remote.Client
}

func (a authBackendAdapter) Authenticate(ctx context.Context, email, password string) (application.Credentials, error) {
	creds, err := a.client.Authenticate(ctx, email, password)
	if err != nil {
		return application.Credentials{}, mapRemoteError(err)
	}
	return fromRemoteCredentials(creds), nil
}

func (a authBackendAdapter) Refresh(ctx context.Context, refreshToken string) (application.Credentials, error) {
	creds, err := a.client.Refresh(ctx, refreshToken)
	if err != nil {
		return application.Credentials{}, mapRemoteError(err)
	}
	return fromRemoteCredentials(creds), nil
}

func (a authBackendAdapter) SignOut(ctx context.Context, accessToken string) error {
	return mapRemoteError(a.client.SignOut(ctx, accessToken))
}

func fromRemoteCredentials(creds remote.Credentials) application.Credentials {
	return application.Credentials{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.ExpiresAt,
		UserID:       creds.UserID,
		Email:        creds.Email,
	}
}

// sessionRecordWriterAdapter delivers session records as consumption rows.
type sessionRecordWriterAdapter struct {
	client *remote.Client
}

func (a sessionRecordWriterAdapter) UpsertSessionRecord(ctx context.Context, req application.UpsertRequest) (application.SessionRecord, error) {
	resolution := remote.IgnoreDuplicates
	if req.Merge {
		resolution = remote.MergeDuplicates
	}
	rec := req.Record
	out, err := a.client.UpsertConsumption(ctx, remote.ConsumptionRecord{
		ID:              rec.ID,
		ProductID:       rec.ProductID,
		UserID:          rec.UserID,
		BookingID:       rec.BookingID,
		StartTime:       rec.StartTime,
		EndTime:         rec.EndTime,
		DurationSeconds: rec.DurationSeconds,
		Status:          string(rec.Status),
	}, resolution, req.IdempotencyKey)
	if err != nil {
		return application.SessionRecord{}, mapRemoteError(err)
	}
	return application.SessionRecord{
		ID:              out.ID,
		ProductID:       out.ProductID,
		UserID:          out.UserID,
		BookingID:       out.BookingID,
		StartTime:       out.StartTime,
		EndTime:         out.EndTime,
		DurationSeconds: out.DurationSeconds,
		Status:          application.SessionStatus(out.Status),
	}, nil
}

// instrumentSourceAdapter lists products as instruments.
type instrumentSourceAdapter struct {
	client *remote.Client
}

func (a instrumentSourceAdapter) ListInstruments(ctx context.Context, filter application.InstrumentFilter) ([]application.Instrument, error) {
	products, err := a.client.ListProducts(ctx, remote.ProductFilter{Status: filter.Status})
	if err != nil {
		return nil, mapRemoteError(err)
	}
	instruments := make([]application.Instrument, 0, len(products))
	for _, p := range products {
		instruments = append(instruments, application.Instrument{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Location:    p.Location,
			Status:      p.Status,
		})
	}
	return instruments, nil
}

// bookingSourceAdapter lists remote bookings for the booking resolver.
type bookingSourceAdapter struct {
	client *remote.Client
}

func (a bookingSourceAdapter) ListBookings(ctx context.Context, query application.BookingQuery) ([]application.Booking, error) {
	rows, err := a.client.ListBookings(ctx, remote.BookingFilter{UserID: query.UserID, ProductID: query.ProductID})
	if err != nil {
		return nil, mapRemoteError(err)
	}
	bookings := make([]application.Booking, 0, len(rows))
	for _, b := range rows {
		bookings = append(bookings, application.Booking{
			ID:        b.ID,
			UserID:    b.UserID,
			ProductID: b.ProductID,
			StartTime: b.StartTime,
			EndTime:   b.EndTime,
			Status:    b.Status,
		})
	}
	return bookings, nil
}

// mapRemoteError attaches the application sentinel matching the remote
// failure kind. Errors that are not remote errors pass through unchanged.
func mapRemoteError(err error) error {
	if err == nil {
		return nil
	}
	switch remote.KindOf(err) {
	case remote.KindTransient:
		return fmt.Errorf("%w: %w", application.ErrRemoteTransient, err)
	case remote.KindPermanent:
		return fmt.Errorf("%w: %w", application.ErrRemotePermanent, err)
	case remote.KindAuthExpired:
		return fmt.Errorf("%w: %w", application.ErrAuthExpired, err)
	}
	return err
}

// connectivityReporter forwards delivery outcomes to the monitor. Only
// transient failures count as the backend being unreachable.
type connectivityReporter struct {
	report interface {
		ReportSuccess()
		ReportFailure(err error)
	}
}

func (c connectivityReporter) ReportSuccess() {
	c.report.ReportSuccess()
}

func (c connectivityReporter) ReportFailure(err error) {
	if remote.KindOf(err) == remote.KindTransient {
		c.report.ReportFailure(err)
	}
}

func newID() string {
	return uuid.NewString()
}

func systemNow() time.Time {
	return time.Now().UTC()
}
