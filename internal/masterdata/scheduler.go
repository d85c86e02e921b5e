// Package masterdata keeps the daily reference data fresh: the cached
// trading date and the F&O underlying table. One refresh runs at startup,
// then one every day at 08:00 IST.
package masterdata

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"market-data-service/internal/istime"
	"market-data-service/internal/model"
)

const (
	refreshHour   = 8
	refreshMinute = 0
)

// Cache is the slice of the Redis gateway the refresher writes to.
type Cache interface {
	SetTradingDate(ctx context.Context, date, updatedAt string) error
	SetUnderlying(ctx context.Context, u *model.FNOUnderlying) error
}

// UnderlyingSource loads the F&O underlying table from master storage.
type UnderlyingSource interface {
	FetchUnderlyings(ctx context.Context) ([]model.FNOUnderlying, error)
}

// Scheduler runs the daily refresh loop. A nil source means no master
// database is configured and the FNO refresh is skipped.
type Scheduler struct {
	cache  Cache
	source UnderlyingSource
	log    zerolog.Logger
}

// New builds a scheduler. source may be nil.
func New(cache Cache, source UnderlyingSource, log zerolog.Logger) *Scheduler {
	return &Scheduler{cache: cache, source: source, log: log}
}

// Run refreshes once immediately, then once per day at 08:00 IST, until the
// context is cancelled. Refresh errors are logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	s.Refresh(ctx)

	for {
		next := istime.NextDailyRun(time.Now(), refreshHour, refreshMinute)
		wait := time.Until(next)
		s.log.Info().Time("next_run", next).Msg("master data refresh scheduled")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.Refresh(ctx)
	}
}

// Refresh updates the trading date and, when a master database is wired,
// reloads the F&O underlying table into the cache.
func (s *Scheduler) Refresh(ctx context.Context) {
	date := istime.DateString()
	if err := s.cache.SetTradingDate(ctx, date, istime.FormatNow()); err != nil {
		s.log.Error().Err(err).Msg("trading date refresh failed")
	} else {
		s.log.Info().Str("trading_date", date).Msg("trading date refreshed")
	}

	if s.source == nil {
		s.log.Info().Msg("no master database configured, skipping FNO underlying refresh")
		return
	}

	underlyings, err := s.source.FetchUnderlyings(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("FNO underlying fetch failed")
		return
	}
	stored := 0
	refreshedAt := istime.FormatNow()
	for i := range underlyings {
		underlyings[i].UpdatedAt = refreshedAt
		if err := s.cache.SetUnderlying(ctx, &underlyings[i]); err != nil {
			s.log.Warn().Err(err).
				Str("symbol", underlyings[i].TradingSymbol).
				Msg("FNO underlying cache write failed")
			continue
		}
		stored++
	}
	s.log.Info().Int("fetched", len(underlyings)).Int("stored", stored).
		Msg("FNO underlying table refreshed")
}
