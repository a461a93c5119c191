package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const instrumentStatusActive = "active"

// InstrumentSource lists instruments from the backend.
type InstrumentSource interface {
	ListInstruments(ctx context.Context, filter InstrumentFilter) ([]Instrument, error)
}

// CatalogService serves the instrument picker, caching the active list and
// falling back to the last known list while offline.
type CatalogService struct {
	source InstrumentSource
	cache  *instrumentCache
	logger *slog.Logger
}

// NewCatalogService constructs a CatalogService.
func NewCatalogService(source InstrumentSource, ttl time.Duration, now func() time.Time) *CatalogService {
	return NewCatalogServiceWithLogger(source, ttl, now, nil)
}

// NewCatalogServiceWithLogger constructs a CatalogService with a specified logger.
func NewCatalogServiceWithLogger(source InstrumentSource, ttl time.Duration, now func() time.Time, logger *slog.Logger) *CatalogService {
	return &CatalogService{
		source: source,
		cache:  newInstrumentCache(ttl, 0, now),
		logger: defaultLogger(logger),
	}
}

func (s *CatalogService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "CatalogService", operation, attrs...)
}

// ListActive returns the active instruments sorted by name.
func (s *CatalogService) ListActive(ctx context.Context) (list InstrumentList, err error) {
	if s.source == nil {
		err = fmt.Errorf("instrument source not configured")
		return
	}

	logger := s.loggerWith(ctx, "ListActive")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "instrument listing failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.DebugContext(ctx, "instruments listed", "count", len(list.Instruments), "stale", list.Stale)
	}()

	cached, fetchedAt, fresh, ok := s.cache.Get(instrumentStatusActive)
	if ok && fresh {
		return InstrumentList{Instruments: cached, FetchedAt: fetchedAt}, nil
	}

	instruments, fetchErr := s.source.ListInstruments(ctx, InstrumentFilter{Status: instrumentStatusActive})
	if fetchErr != nil {
		if ok {
			logger.WarnContext(ctx, "serving cached instruments", "error", fetchErr, "error_kind", ErrorKind(fetchErr))
			return InstrumentList{Instruments: cached, Stale: true, FetchedAt: fetchedAt}, nil
		}
		err = fetchErr
		return
	}

	active := make([]Instrument, 0, len(instruments))
	for _, instrument := range instruments {
		if instrument.Status != "" && instrument.Status != instrumentStatusActive {
			continue
		}
		active = append(active, instrument)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return strings.ToLower(active[i].Name) < strings.ToLower(active[j].Name)
	})

	fetchedAt = s.cache.Store(instrumentStatusActive, active)
	return InstrumentList{Instruments: cloneInstruments(active), FetchedAt: fetchedAt}, nil
}

// Refresh discards cached freshness and lists again.
func (s *CatalogService) Refresh(ctx context.Context) (InstrumentList, error) {
	s.cache.Invalidate()
	return s.ListActive(ctx)
}
