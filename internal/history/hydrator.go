package history

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-data-service/internal/istime"
	"market-data-service/internal/metrics"
	"market-data-service/internal/model"
)

// Series is the candle cache the hydrator reads from and backfills into.
type Series interface {
	GetCandleSeries(ctx context.Context, tradingDate, instrumentKey, interval string) ([]model.Candle, error)
	AddCandle(ctx context.Context, candle *model.Candle) error
	GetTradingDate(ctx context.Context) (string, error)
}

// Sender delivers a prebuilt frame to one downstream client.
type Sender interface {
	SendTo(clientID string, payload []byte) bool
}

type job struct {
	ctx           context.Context
	clientID      string
	instrumentKey string
	interval      string
}

// Hydrator resolves OHLC snapshots for fresh subscriptions: today's cached
// series when present, the history API otherwise. Every (instrument,
// interval) pair gets exactly one snapshot frame, empty on a total miss, so
// the client always knows hydration finished.
type Hydrator struct {
	api     *Client
	series  Series
	sender  Sender
	log     zerolog.Logger
	metrics *metrics.Metrics

	jobs chan job
	wg   sync.WaitGroup

	stopOnce sync.Once
	done     chan struct{}
}

// NewHydrator starts workers goroutines draining the job queue.
func NewHydrator(api *Client, series Series, sender Sender, workers int, log zerolog.Logger, m *metrics.Metrics) *Hydrator {
	if workers < 1 {
		workers = 1
	}
	h := &Hydrator{
		api:     api,
		series:  series,
		sender:  sender,
		log:     log,
		metrics: m,
		jobs:    make(chan job, 256),
		done:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		h.wg.Add(1)
		go h.worker()
	}
	return h
}

// Request queues one snapshot job per (instrument, interval) pair. The
// context is the client's session context: a disconnect cancels queued and
// in-flight work for that client. Unsupported intervals still get an empty
// snapshot rather than silence.
func (h *Hydrator) Request(ctx context.Context, clientID string, instruments, intervals []string) {
	for _, inst := range instruments {
		for _, iv := range intervals {
			j := job{ctx: ctx, clientID: clientID, instrumentKey: inst, interval: iv}
			select {
			case h.jobs <- j:
			case <-ctx.Done():
				return
			case <-h.done:
				return
			}
		}
	}
}

// Stop drains no further jobs and waits for in-flight ones.
func (h *Hydrator) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}

func (h *Hydrator) worker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case j := <-h.jobs:
			if j.ctx.Err() != nil {
				continue
			}
			h.run(j)
		}
	}
}

func (h *Hydrator) run(j job) {
	start := time.Now()
	candles := h.resolve(j)
	if j.ctx.Err() != nil {
		return
	}
	if h.metrics != nil {
		h.metrics.HistoryFetchDur.Observe(time.Since(start).Seconds())
	}

	sort.Slice(candles, func(a, b int) bool { return candles[a].TS < candles[b].TS })
	h.sender.SendTo(j.clientID, snapshotFrame(j.instrumentKey, j.interval, candles))
}

// resolve returns the best available series, possibly empty: cache hit wins,
// then the API (persisting what it returns), then nothing.
func (h *Hydrator) resolve(j job) []model.Candle {
	date, err := h.series.GetTradingDate(j.ctx)
	if err != nil || date == "" {
		date = istime.DateString()
	}

	cached, err := h.series.GetCandleSeries(j.ctx, date, j.instrumentKey, j.interval)
	if err != nil {
		h.log.Warn().Err(err).Str("instrument", j.instrumentKey).Msg("history cache read failed")
	}
	if len(cached) > 0 {
		return cached
	}

	if !SupportedInterval(j.interval) {
		return nil
	}
	fetched, err := h.api.Intraday(j.ctx, j.instrumentKey, j.interval)
	if h.metrics != nil {
		h.metrics.HistoryAPICalls.Inc()
	}
	if err != nil {
		h.log.Warn().Err(err).
			Str("instrument", j.instrumentKey).
			Str("interval", j.interval).
			Msg("history api fetch failed")
		return nil
	}

	for i := range fetched {
		if err := h.series.AddCandle(j.ctx, &fetched[i]); err != nil {
			h.log.Warn().Err(err).Str("instrument", j.instrumentKey).Msg("history backfill write failed")
			break
		}
	}
	return fetched
}

func snapshotFrame(instrumentKey, interval string, candles []model.Candle) []byte {
	if candles == nil {
		candles = []model.Candle{}
	}
	frame := map[string]any{
		"type":           "ohlc_snapshot",
		"instrument_key": instrumentKey,
		"interval":       interval,
		"candles":        candles,
		"snapshot_time":  istime.FormatNow(),
		"candle_count":   len(candles),
	}
	b, _ := json.Marshal(frame)
	return b
}
