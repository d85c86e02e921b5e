package ingest

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-service/internal/model"
)

type fakeStore struct {
	mu        sync.Mutex
	ticks     []*model.Tick
	candles   []*model.Candle
	portfolio [][]byte
}

func (f *fakeStore) SetTick(_ context.Context, t *model.Tick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, t)
	return nil
}

func (f *fakeStore) AddCandle(_ context.Context, c *model.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.candles = append(f.candles, &cp)
	return nil
}

func (f *fakeStore) SetPortfolio(_ context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portfolio = append(f.portfolio, raw)
	return nil
}

type fakeHub struct {
	mu        sync.Mutex
	ticks     []*model.Tick
	candles   []*model.Candle
	portfolio [][]byte
}

func (f *fakeHub) BroadcastTick(t *model.Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, t)
}

func (f *fakeHub) BroadcastCandle(c *model.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.candles = append(f.candles, &cp)
}

func (f *fakeHub) BroadcastPortfolio(raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portfolio = append(f.portfolio, raw)
}

func newTestPipeline() (*Pipeline, *fakeStore, *fakeHub) {
	store := &fakeStore{}
	hub := &fakeHub{}
	return New(store, hub, zerolog.Nop(), nil), store, hub
}

func indexFrame(frameType, key string, ts int64) []byte {
	return []byte(`{"type":"` + frameType + `","feeds":{"` + key + `":{"fullFeed":{"indexFF":{` +
		`"ltpc":{"ltp":22100.5,"ltt":"1717065000000","cp":0.42},` +
		`"marketOHLC":{"ohlc":[{"interval":"I1","open":22090,"high":22105,"low":22088,"close":22100.5,"ts":` +
		strconv.FormatInt(ts, 10) + `}]}}}}}}`)
}

func TestHandleMarketFrame_TickFlow(t *testing.T) {
	p, store, hub := newTestPipeline()

	p.HandleMarketFrame(indexFrame("live_feed", "NSE_INDEX|Nifty 50", 1717065000000))

	require.Len(t, store.ticks, 1)
	tick := store.ticks[0]
	assert.Equal(t, "NSE_INDEX|Nifty 50", tick.InstrumentKey)
	assert.Equal(t, 22100.5, tick.LTP)
	assert.Equal(t, 0.42, tick.ChangePercent)
	require.Len(t, hub.ticks, 1)

	assert.Equal(t, tick, p.LatestTick("NSE_INDEX|Nifty 50"))
	assert.Equal(t, 1, p.CachedInstruments())
}

func TestHandleMarketFrame_IgnoresUnknownFrameTypes(t *testing.T) {
	p, store, hub := newTestPipeline()

	p.HandleMarketFrame([]byte(`{"type":"market_info","feeds":{}}`))
	p.HandleMarketFrame([]byte(`not json`))

	assert.Empty(t, store.ticks)
	assert.Empty(t, hub.ticks)
}

func TestMinuteCandle_TransitionFinalizesPrevious(t *testing.T) {
	p, store, hub := newTestPipeline()

	p.HandleMarketFrame(indexFrame("live_feed", "NSE_INDEX|Nifty 50", 1717065000000))
	// Same minute again: still live, nothing persisted.
	p.HandleMarketFrame(indexFrame("live_feed", "NSE_INDEX|Nifty 50", 1717065000000))
	assert.Empty(t, store.candles)

	// New minute start finalizes the previous candle.
	p.HandleMarketFrame(indexFrame("live_feed", "NSE_INDEX|Nifty 50", 1717065060000))

	require.Len(t, store.candles, 1)
	completed := store.candles[0]
	assert.Equal(t, model.CandleCompleted, completed.Status)
	assert.Equal(t, int64(1717065000000), completed.TS)

	// Broadcast order: live, live, completed, live.
	require.Len(t, hub.candles, 4)
	assert.Equal(t, model.CandleLive, hub.candles[0].Status)
	assert.Equal(t, model.CandleLive, hub.candles[1].Status)
	assert.Equal(t, model.CandleCompleted, hub.candles[2].Status)
	assert.Equal(t, model.CandleLive, hub.candles[3].Status)
	assert.Equal(t, int64(1717065060000), hub.candles[3].TS)
}

func TestMinuteCandle_PerInstrumentState(t *testing.T) {
	p, store, _ := newTestPipeline()

	p.HandleMarketFrame(indexFrame("live_feed", "NSE_INDEX|Nifty 50", 1717065000000))
	p.HandleMarketFrame(indexFrame("live_feed", "NSE_INDEX|Nifty Bank", 1717065000000))
	// Advancing one instrument must not finalize the other.
	p.HandleMarketFrame(indexFrame("live_feed", "NSE_INDEX|Nifty 50", 1717065060000))

	require.Len(t, store.candles, 1)
	assert.Equal(t, "NSE_INDEX|Nifty 50", store.candles[0].InstrumentKey)
}

func TestDayCandle_AlwaysCompleted(t *testing.T) {
	p, store, hub := newTestPipeline()

	frame := []byte(`{"type":"live_feed","feeds":{"NSE_EQ|INE020B01018":{"fullFeed":{"marketFF":{` +
		`"ltpc":{"ltp":"285.4","ltt":"1717065000000","ltq":"100","cp":"1.2"},` +
		`"atp":"284.9","vtt":"1200345",` +
		`"marketOHLC":{"ohlc":[{"interval":"1d","open":282,"high":286,"low":281.5,"close":285.4,"vol":1200345,"ts":1717007400000}]}}}}}}`)
	p.HandleMarketFrame(frame)

	require.Len(t, store.candles, 1)
	day := store.candles[0]
	assert.Equal(t, model.Interval1Day, day.Interval)
	assert.Equal(t, model.CandleCompleted, day.Status)
	assert.Equal(t, int64(1200345), day.Volume)
	require.Len(t, hub.candles, 1)

	// String-coerced numerics flow into the tick.
	require.Len(t, store.ticks, 1)
	tick := store.ticks[0]
	assert.Equal(t, 285.4, tick.LTP)
	assert.Equal(t, int64(100), tick.LTQ)
	assert.Equal(t, 284.9, tick.ATP)
	require.NotNil(t, tick.OHLC)
	assert.Equal(t, 282.0, tick.OHLC.Open)
}

func TestCandle_ZeroTimestampRejected(t *testing.T) {
	p, store, hub := newTestPipeline()

	p.HandleMarketFrame(indexFrame("live_feed", "NSE_INDEX|Nifty 50", 0))

	assert.Empty(t, store.candles)
	for _, c := range hub.candles {
		t.Errorf("unexpected candle broadcast: %+v", c)
	}
	// The tick still flows.
	assert.Len(t, store.ticks, 1)
}

func TestCandle_UnknownIntervalDiscarded(t *testing.T) {
	p, store, hub := newTestPipeline()

	frame := []byte(`{"type":"live_feed","feeds":{"NSE_INDEX|Nifty 50":{"fullFeed":{"indexFF":{` +
		`"ltpc":{"ltp":22100.5},` +
		`"marketOHLC":{"ohlc":[{"interval":"I30","open":1,"high":2,"low":1,"close":2,"ts":1717065000000}]}}}}}}`)
	p.HandleMarketFrame(frame)

	assert.Empty(t, store.candles)
	assert.Empty(t, hub.candles)
}

func TestHandlePortfolioFrame(t *testing.T) {
	p, store, hub := newTestPipeline()

	payload := []byte(`{"update_type":"order","order_id":"abc-1"}`)
	p.HandlePortfolioFrame(payload)
	p.HandlePortfolioFrame([]byte(`{broken`))

	require.Len(t, store.portfolio, 1)
	assert.Equal(t, payload, store.portfolio[0])
	assert.Len(t, hub.portfolio, 1)
}

func TestLatestTicks_KeyFilterAndLimit(t *testing.T) {
	p, _, _ := newTestPipeline()

	p.HandleMarketFrame(indexFrame("initial_feed", "A", 1717065000000))
	p.HandleMarketFrame(indexFrame("initial_feed", "B", 1717065000000))
	p.HandleMarketFrame(indexFrame("initial_feed", "C", 1717065000000))

	got := p.LatestTicks([]string{"A", "C", "missing"}, 10)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "A")
	assert.Contains(t, got, "C")

	assert.Len(t, p.LatestTicks(nil, 2), 2)
}
