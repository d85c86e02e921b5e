// Package ingest turns raw broker frames into Tick and Candle events. It is
// the single place where candle active/completed semantics are enforced:
// per (instrument, 1-minute) there is at most one active candle, and a new
// broker start-timestamp atomically finalizes the previous one. Redundant
// connectors feed the same frames in; dedup falls out of the cache's
// idempotent, timestamp-keyed writes.
package ingest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog"

	"market-data-service/internal/istime"
	"market-data-service/internal/metrics"
	"market-data-service/internal/model"
)

// Store is the slice of the cache gateway the pipeline writes through.
// Write errors are already logged and absorbed by the gateway.
type Store interface {
	SetTick(ctx context.Context, t *model.Tick) error
	AddCandle(ctx context.Context, c *model.Candle) error
	SetPortfolio(ctx context.Context, raw []byte) error
}

// Broadcaster delivers events to downstream clients.
type Broadcaster interface {
	BroadcastTick(t *model.Tick)
	BroadcastCandle(c *model.Candle)
	BroadcastPortfolio(raw []byte)
}

// minuteState tracks the forming 1-minute candle for one instrument.
type minuteState struct {
	ts     int64
	active *model.Candle
}

// Pipeline decodes frames and maintains per-instrument candle state.
type Pipeline struct {
	store   Store
	hub     Broadcaster
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	latest map[string]*model.Tick
	minute map[string]*minuteState
}

// New builds a pipeline. metrics may be nil in tests.
func New(store Store, hub Broadcaster, log zerolog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		store:   store,
		hub:     hub,
		log:     log,
		metrics: m,
		latest:  make(map[string]*model.Tick),
		minute:  make(map[string]*minuteState),
	}
}

// HandleMarketFrame decodes one market frame, which may carry many
// (instrument, feed) pairs. Malformed frames are logged and skipped; they
// never tear down the connection.
func (p *Pipeline) HandleMarketFrame(raw []byte) {
	frameType, err := jsonparser.GetString(raw, "type")
	if err != nil {
		p.log.Warn().Err(err).Msg("frame without type, skipping")
		return
	}
	if frameType != "live_feed" && frameType != "initial_feed" {
		p.log.Debug().Str("type", frameType).Msg("ignoring frame type")
		return
	}

	err = jsonparser.ObjectEach(raw, func(key, value []byte, _ jsonparser.ValueType, _ int) error {
		p.processFeed(string(key), value)
		return nil
	}, "feeds")
	if err != nil {
		p.log.Warn().Err(err).Msg("malformed feeds object, skipping frame")
	}
}

// HandlePortfolioFrame caches and broadcasts the opaque portfolio payload.
func (p *Pipeline) HandlePortfolioFrame(raw []byte) {
	if !json.Valid(raw) {
		p.log.Warn().Msg("malformed portfolio frame, skipping")
		return
	}
	p.store.SetPortfolio(context.Background(), raw)
	p.hub.BroadcastPortfolio(raw)
}

// processFeed emits zero or one Tick and zero or more Candles for a single
// instrument feed.
func (p *Pipeline) processFeed(instrumentKey string, raw []byte) {
	fd, err := decodeFeed(raw)
	if err != nil {
		p.log.Warn().Err(err).Str("instrument", instrumentKey).Msg("undecodable feed, skipping")
		return
	}

	now := istime.FormatNow()

	if fd.ltpc != nil {
		tick := buildTick(instrumentKey, fd, now)
		p.mu.Lock()
		p.latest[instrumentKey] = tick
		p.mu.Unlock()

		p.store.SetTick(context.Background(), tick)
		p.hub.BroadcastTick(tick)
		if p.metrics != nil {
			p.metrics.TicksPublished.Inc()
		}
	}

	for i := range fd.candles {
		entry := &fd.candles[i]
		interval := mapInterval(entry.Interval)
		if interval == "" {
			continue
		}
		if entry.TS == 0 {
			p.log.Warn().Str("instrument", instrumentKey).Msg("candle with zero timestamp, rejecting")
			continue
		}

		candle := buildCandle(instrumentKey, interval, entry, fd)
		if interval == model.Interval1Min {
			p.handleMinuteCandle(candle)
			continue
		}

		// 1-day candles are the day's completed-so-far bar: always final,
		// overwriting any prior record at the same start-timestamp.
		candle.Status = model.CandleCompleted
		p.store.AddCandle(context.Background(), candle)
		p.hub.BroadcastCandle(candle)
	}
}

// handleMinuteCandle applies the transition rule: a new start-timestamp
// finalizes the previously-active candle before the new one takes over.
// State changes happen under the lock; cache writes and broadcasts happen
// outside it so a slow cache cannot stall ingestion of other instruments.
func (p *Pipeline) handleMinuteCandle(candle *model.Candle) {
	candle.Status = model.CandleLive

	var finalized *model.Candle
	p.mu.Lock()
	st := p.minute[candle.InstrumentKey]
	if st != nil && st.ts != candle.TS {
		finalized = st.active
		finalized.Status = model.CandleCompleted
	}
	p.minute[candle.InstrumentKey] = &minuteState{ts: candle.TS, active: candle}
	p.mu.Unlock()

	if finalized != nil {
		p.store.AddCandle(context.Background(), finalized)
		p.hub.BroadcastCandle(finalized)
		if p.metrics != nil {
			p.metrics.CandlesCompleted.Inc()
		}
	}
	p.hub.BroadcastCandle(candle)
}

// buildTick populates only the fields the feed shape provides.
func buildTick(instrumentKey string, fd *feedData, now string) *model.Tick {
	t := &model.Tick{
		InstrumentKey: instrumentKey,
		LTP:           float64(fd.ltpc.LTP),
		LTT:           string(fd.ltpc.LTT),
		LTQ:           int64(fd.ltpc.LTQ),
		ChangePercent: float64(fd.ltpc.CP),
		Timestamp:     now,
	}
	for i := range fd.candles {
		if fd.candles[i].Interval == "1d" {
			e := &fd.candles[i]
			t.OHLC = &model.DayOHLC{
				Open:  float64(e.Open),
				High:  float64(e.High),
				Low:   float64(e.Low),
				Close: float64(e.Close),
			}
			break
		}
	}
	if m := fd.market; m != nil {
		t.MarketLevel = m.MarketLevel
		t.OptionGreeks = m.OptionGreeks
		t.ATP = float64(m.ATP)
		t.VTT = int64(m.VTT)
		t.OI = float64(m.OI)
		t.IV = float64(m.IV)
		t.TBQ = int64(m.TBQ)
		t.TSQ = int64(m.TSQ)
	}
	return t
}

// buildCandle snapshots the extended tick context onto the candle.
func buildCandle(instrumentKey, interval string, e *ohlcEntry, fd *feedData) *model.Candle {
	c := &model.Candle{
		InstrumentKey: instrumentKey,
		Interval:      interval,
		Open:          float64(e.Open),
		High:          float64(e.High),
		Low:           float64(e.Low),
		Close:         float64(e.Close),
		Volume:        e.volume(),
		TS:            int64(e.TS),
	}
	if fd.ltpc != nil {
		c.LTQ = int64(fd.ltpc.LTQ)
	}
	if m := fd.market; m != nil {
		c.MarketLevel = m.MarketLevel
		c.OptionGreeks = m.OptionGreeks
		c.ATP = float64(m.ATP)
		c.VTT = int64(m.VTT)
		c.OI = float64(m.OI)
		c.IV = float64(m.IV)
		c.TBQ = int64(m.TBQ)
		c.TSQ = int64(m.TSQ)
	}
	return c
}

// LatestTick returns the in-memory latest tick for an instrument, or nil.
func (p *Pipeline) LatestTick(instrumentKey string) *model.Tick {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest[instrumentKey]
}

// LatestTicks returns latest ticks for the requested keys (all cached
// instruments when keys is empty), capped at limit.
func (p *Pipeline) LatestTicks(keys []string, limit int) map[string]*model.Tick {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]*model.Tick)
	if len(keys) > 0 {
		for _, k := range keys {
			if t, ok := p.latest[k]; ok {
				out[k] = t
			}
			if len(out) >= limit {
				break
			}
		}
		return out
	}
	for k, t := range p.latest {
		if len(out) >= limit {
			break
		}
		out[k] = t
	}
	return out
}

// CachedInstruments reports how many instruments have an in-memory tick.
func (p *Pipeline) CachedInstruments() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.latest)
}
