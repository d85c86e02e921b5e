package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-service/internal/model"
	"market-data-service/internal/upstream"
)

type fakeStreamer struct {
	subscribed []string
	modes      map[string]string
	opErr      error
	reloadErr  error
	healthy    bool
}

func (f *fakeStreamer) Subscribe(instruments []string) error {
	if f.opErr != nil {
		return f.opErr
	}
	f.subscribed = append(f.subscribed, instruments...)
	return nil
}

func (f *fakeStreamer) Unsubscribe([]string) error { return f.opErr }

func (f *fakeStreamer) ChangeMode(instruments []string, mode string) error {
	if f.opErr != nil {
		return f.opErr
	}
	for _, inst := range instruments {
		f.modes[inst] = mode
	}
	return nil
}

func (f *fakeStreamer) SubscribedInstruments() []string { return f.subscribed }
func (f *fakeStreamer) Modes() map[string]string        { return f.modes }

func (f *fakeStreamer) Health() model.StreamerHealth {
	h := model.StreamerHealth{
		Market:    model.StreamerGroupHealth{Total: 1, Status: []model.ConnectorStatus{{}}},
		Portfolio: model.StreamerGroupHealth{Total: 1, Status: []model.ConnectorStatus{{}}},
	}
	if f.healthy {
		h.Market.Connected = 1
		h.Market.Active = 1
		h.Market.Status[0].Connected = true
	}
	return h
}

func (f *fakeStreamer) Reload(context.Context) (upstream.ReloadResult, error) {
	if f.reloadErr != nil {
		return upstream.ReloadResult{}, f.reloadErr
	}
	return upstream.ReloadResult{TokensLoaded: 2, Market: 2, Portfolio: 2}, nil
}

type fakeTicks struct {
	ticks map[string]*model.Tick
}

func (f *fakeTicks) LatestTick(key string) *model.Tick { return f.ticks[key] }

func (f *fakeTicks) LatestTicks(keys []string, limit int) map[string]*model.Tick {
	out := make(map[string]*model.Tick)
	if len(keys) == 0 {
		for k, t := range f.ticks {
			if len(out) >= limit {
				break
			}
			out[k] = t
		}
		return out
	}
	for _, k := range keys {
		if t, ok := f.ticks[k]; ok && len(out) < limit {
			out[k] = t
		}
	}
	return out
}

func (f *fakeTicks) CachedInstruments() int { return len(f.ticks) }

type fakeStore struct {
	candles     []model.Candle
	underlyings map[string]*model.FNOUnderlying
	cachedTicks map[string]*model.Tick
}

func (f *fakeStore) GetTick(_ context.Context, key string) (*model.Tick, error) {
	return f.cachedTicks[key], nil
}

func (f *fakeStore) GetCandleSeries(_ context.Context, _, _, _ string) ([]model.Candle, error) {
	return f.candles, nil
}

func (f *fakeStore) GetTradingDate(context.Context) (string, error) { return "2024-05-30", nil }

func (f *fakeStore) GetUnderlying(_ context.Context, symbol string) (*model.FNOUnderlying, error) {
	return f.underlyings[symbol], nil
}

func (f *fakeStore) ScanUnderlyings(_ context.Context, sampleN int) ([]string, []model.FNOUnderlying, error) {
	var keys []string
	var sample []model.FNOUnderlying
	for k, u := range f.underlyings {
		keys = append(keys, "fno_und:"+k)
		if len(sample) < sampleN {
			sample = append(sample, *u)
		}
	}
	return keys, sample, nil
}

type fakeSubs struct{ clients map[string][]string }

func (f *fakeSubs) All() map[string][]string { return f.clients }
func (f *fakeSubs) ClientCount() int         { return len(f.clients) }

type noopWS struct{}

func (noopWS) HandleWS(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func newTestServer() (*Server, *fakeStreamer, *fakeTicks, *fakeStore) {
	streamer := &fakeStreamer{modes: map[string]string{}, healthy: true}
	ticks := &fakeTicks{ticks: map[string]*model.Tick{}}
	store := &fakeStore{underlyings: map[string]*model.FNOUnderlying{}}
	subs := &fakeSubs{clients: map[string][]string{"c1": {"*"}}}
	srv := NewServer(streamer, ticks, store, subs, noopWS{}, zerolog.Nop())
	return srv, streamer, ticks, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	srv, streamer, ticks, _ := newTestServer()
	ticks.ticks["NSE_EQ|A"] = &model.Tick{InstrumentKey: "NSE_EQ|A"}
	streamer.subscribed = []string{"NSE_EQ|A"}
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["active_connections"])
	assert.Equal(t, float64(1), body["cached_instruments"])
	assert.Equal(t, float64(1), body["subscribed_instruments_count"])

	streamers := body["streamers"].(map[string]any)
	market := streamers["market_streamers"].(map[string]any)
	assert.Equal(t, float64(1), market["connected"])

	streamer.healthy = false
	_, body = doJSON(t, h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, "degraded", body["status"])
}

func TestMarketData_SingleInstrument(t *testing.T) {
	srv, _, ticks, _ := newTestServer()
	ticks.ticks["NSE_INDEX|Nifty 50"] = &model.Tick{InstrumentKey: "NSE_INDEX|Nifty 50", LTP: 22100.5}
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/market-data/NSE_INDEX%7CNifty%2050", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 22100.5, body["ltp"])

	_, body = doJSON(t, h, http.MethodGet, "/api/market-data/NSE_EQ%7Cmissing", nil)
	assert.Equal(t, "No data available", body["error"])
}

func TestMarketData_CacheFallback(t *testing.T) {
	srv, _, _, store := newTestServer()
	store.cachedTicks = map[string]*model.Tick{
		"NSE_EQ|RELIANCE": {InstrumentKey: "NSE_EQ|RELIANCE", LTP: 2955},
	}
	h := srv.Handler()

	_, body := doJSON(t, h, http.MethodGet, "/api/market-data/NSE_EQ%7CRELIANCE", nil)
	assert.Equal(t, float64(2955), body["ltp"])
}

func TestMarketData_List(t *testing.T) {
	srv, _, ticks, _ := newTestServer()
	ticks.ticks["A"] = &model.Tick{InstrumentKey: "A"}
	ticks.ticks["B"] = &model.Tick{InstrumentKey: "B"}
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/market-data?instrument_keys=A,missing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	_, body = doJSON(t, h, http.MethodGet, "/api/market-data?limit=1", nil)
	assert.Equal(t, float64(1), body["count"])
}

func TestSubscribe_Validation(t *testing.T) {
	srv, streamer, _, _ := newTestServer()
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/instruments/subscribe",
		map[string]any{"instruments": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "instruments list is required")

	rec, body = doJSON(t, h, http.MethodPost, "/api/instruments/subscribe",
		map[string]any{"instruments": []string{"NSE_EQ|A"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, []string{"NSE_EQ|A"}, streamer.subscribed)

	streamer.opErr = errors.New("all connectors failed: streamer 0: socket not connected")
	rec, body = doJSON(t, h, http.MethodPost, "/api/instruments/subscribe",
		map[string]any{"instruments": []string{"NSE_EQ|B"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["detail"], "streamer 0")
}

func TestChangeMode_Validation(t *testing.T) {
	srv, streamer, _, _ := newTestServer()
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/instruments/change-mode",
		map[string]any{"instruments": []string{"NSE_EQ|A"}, "mode": "turbo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "invalid mode")

	rec, _ = doJSON(t, h, http.MethodPost, "/api/instruments/change-mode",
		map[string]any{"instruments": []string{"NSE_EQ|A"}, "mode": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = doJSON(t, h, http.MethodPost, "/api/instruments/change-mode",
		map[string]any{"instruments": []string{"NSE_EQ|A"}, "mode": model.ModeLTPC})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ModeLTPC, streamer.modes["NSE_EQ|A"])
}

func TestCandles(t *testing.T) {
	srv, _, _, store := newTestServer()
	store.candles = []model.Candle{
		{InstrumentKey: "NSE_EQ|A", Interval: "1min", TS: 1717065000000, Status: model.CandleCompleted},
	}
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/candles/NSE_EQ%7CA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1min", body["interval"])
	assert.Equal(t, "2024-05-30", body["trading_date"])
	assert.Equal(t, float64(1), body["count"])
}

func TestFNOUnderlying(t *testing.T) {
	srv, _, _, store := newTestServer()
	store.underlyings["RELIANCE"] = &model.FNOUnderlying{
		InstrumentKey: "NSE_EQ|INE002A01018",
		TradingSymbol: "RELIANCE",
	}
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/fno-underlying?trading_symbol=RELIANCE", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RELIANCE", body["trading_symbol"])

	rec, _ = doJSON(t, h, http.MethodGet, "/api/fno-underlying?trading_symbol=NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = doJSON(t, h, http.MethodGet, "/api/fno-underlying", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestReloadTokens(t *testing.T) {
	srv, streamer, _, _ := newTestServer()
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/admin/reload-tokens", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(2), body["tokens_loaded"])
	assert.Equal(t, float64(2), body["market_streamers"])

	streamer.reloadErr = errors.New("no upstream access tokens available")
	rec, body = doJSON(t, h, http.MethodPost, "/api/admin/reload-tokens", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["detail"], "no upstream access tokens")
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _, _ := newTestServer()
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
