// Package api is the admin HTTP control plane: health, cached data lookups,
// upstream subscription management and the token reload hook. Every error
// body is `{"detail": "..."}`.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"market-data-service/internal/istime"
	"market-data-service/internal/model"
	"market-data-service/internal/upstream"
)

const defaultMarketDataLimit = 100

// Streamer is the upstream supervisor surface the admin API drives.
type Streamer interface {
	Subscribe(instruments []string) error
	Unsubscribe(instruments []string) error
	ChangeMode(instruments []string, mode string) error
	SubscribedInstruments() []string
	Modes() map[string]string
	Health() model.StreamerHealth
	Reload(ctx context.Context) (upstream.ReloadResult, error)
}

// TickSource exposes the in-memory tick state kept by the ingest pipeline.
type TickSource interface {
	LatestTick(instrumentKey string) *model.Tick
	LatestTicks(keys []string, limit int) map[string]*model.Tick
	CachedInstruments() int
}

// Store is the cache surface the read endpoints need.
type Store interface {
	GetTick(ctx context.Context, instrumentKey string) (*model.Tick, error)
	GetCandleSeries(ctx context.Context, tradingDate, instrumentKey, interval string) ([]model.Candle, error)
	GetTradingDate(ctx context.Context) (string, error)
	GetUnderlying(ctx context.Context, tradingSymbol string) (*model.FNOUnderlying, error)
	ScanUnderlyings(ctx context.Context, sampleN int) ([]string, []model.FNOUnderlying, error)
}

// Subscriptions is the downstream client view for the admin surface.
type Subscriptions interface {
	All() map[string][]string
	ClientCount() int
}

// WSHandler serves the downstream WebSocket endpoint.
type WSHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// Server bundles the admin handlers and their dependencies.
type Server struct {
	streamer Streamer
	ticks    TickSource
	store    Store
	subs     Subscriptions
	ws       WSHandler
	log      zerolog.Logger
}

// NewServer builds the admin API server.
func NewServer(streamer Streamer, ticks TickSource, store Store, subs Subscriptions, ws WSHandler, log zerolog.Logger) *Server {
	return &Server{streamer: streamer, ticks: ticks, store: store, subs: subs, ws: ws, log: log}
}

// Handler returns the fully routed handler with CORS and metrics attached.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.ws.HandleWS)
	r.Handle("/metrics", promhttp.Handler())

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)
	api.HandleFunc("/market-data", s.marketDataList).Methods(http.MethodGet)
	api.HandleFunc("/market-data/{instrument_key:.+}", s.marketData).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", s.subscriptions).Methods(http.MethodGet)
	api.HandleFunc("/instruments", s.instruments).Methods(http.MethodGet)
	api.HandleFunc("/instruments/modes", s.instrumentModes).Methods(http.MethodGet)
	api.HandleFunc("/instruments/subscribe", s.subscribe).Methods(http.MethodPost)
	api.HandleFunc("/instruments/unsubscribe", s.unsubscribe).Methods(http.MethodPost)
	api.HandleFunc("/instruments/change-mode", s.changeMode).Methods(http.MethodPost)
	api.HandleFunc("/fno-underlying", s.fnoUnderlying).Methods(http.MethodGet)
	api.HandleFunc("/candles/{instrument_key:.+}", s.candles).Methods(http.MethodGet)
	api.HandleFunc("/admin/reload-tokens", s.reloadTokens).Methods(http.MethodPost)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"detail": fmt.Sprintf(format, args...)})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.streamer.Health()
	status := "healthy"
	if !h.Healthy() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                       status,
		"timestamp":                    istime.FormatNow(),
		"market_hours":                 istime.IsMarketHours(time.Now()),
		"active_connections":           s.subs.ClientCount(),
		"cached_instruments":           s.ticks.CachedInstruments(),
		"subscribed_instruments_count": len(s.streamer.SubscribedInstruments()),
		"streamers":                    h,
	})
}

func (s *Server) marketData(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["instrument_key"]
	tick := s.ticks.LatestTick(key)
	if tick == nil {
		// Fresh process: the in-memory map is empty until the first frame,
		// but the cache may still hold the pre-restart snapshot.
		tick, _ = s.store.GetTick(r.Context(), key)
	}
	if tick == nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "No data available"})
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

func (s *Server) marketDataList(w http.ResponseWriter, r *http.Request) {
	limit := defaultMarketDataLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var keys []string
	if v := r.URL.Query().Get("instrument_keys"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	data := s.ticks.LatestTicks(keys, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(data),
		"data":      data,
		"timestamp": istime.FormatNow(),
	})
}

func (s *Server) subscriptions(w http.ResponseWriter, r *http.Request) {
	all := s.subs.All()
	clients := make(map[string]any, len(all))
	for id, filter := range all {
		clients[id] = map[string]any{
			"subscriptions":      filter,
			"subscription_count": len(filter),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_clients": len(all),
		"clients":       clients,
	})
}

func (s *Server) instruments(w http.ResponseWriter, r *http.Request) {
	insts := s.streamer.SubscribedInstruments()
	writeJSON(w, http.StatusOK, map[string]any{
		"subscribed_instruments": insts,
		"count":                  len(insts),
		"timestamp":              istime.FormatNow(),
	})
}

func (s *Server) instrumentModes(w http.ResponseWriter, r *http.Request) {
	modes := s.streamer.Modes()
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument_modes": modes,
		"count":            len(modes),
		"timestamp":        istime.FormatNow(),
	})
}

type instrumentsRequest struct {
	Instruments []string `json:"instruments"`
	Mode        string   `json:"mode"`
}

func decodeInstruments(r *http.Request) (*instrumentsRequest, error) {
	var req instrumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	return &req, nil
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInstruments(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	if len(req.Instruments) == 0 {
		writeDetail(w, http.StatusBadRequest, "instruments list is required")
		return
	}
	if err := s.streamer.Subscribe(req.Instruments); err != nil {
		writeDetail(w, http.StatusInternalServerError, "subscription failed: %s", err)
		return
	}
	insts := s.streamer.SubscribedInstruments()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 "success",
		"message":                fmt.Sprintf("Subscribed to %d instruments", len(req.Instruments)),
		"subscribed_instruments": insts,
		"count":                  len(insts),
		"timestamp":              istime.FormatNow(),
	})
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInstruments(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	if len(req.Instruments) == 0 {
		writeDetail(w, http.StatusBadRequest, "instruments list is required")
		return
	}
	if err := s.streamer.Unsubscribe(req.Instruments); err != nil {
		writeDetail(w, http.StatusInternalServerError, "unsubscription failed: %s", err)
		return
	}
	insts := s.streamer.SubscribedInstruments()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 "success",
		"message":                fmt.Sprintf("Unsubscribed from %d instruments", len(req.Instruments)),
		"subscribed_instruments": insts,
		"count":                  len(insts),
		"timestamp":              istime.FormatNow(),
	})
}

func (s *Server) changeMode(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInstruments(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	if len(req.Instruments) == 0 {
		writeDetail(w, http.StatusBadRequest, "instruments list is required")
		return
	}
	if req.Mode == "" {
		writeDetail(w, http.StatusBadRequest, "mode is required")
		return
	}
	if !model.ValidMode(req.Mode) {
		writeDetail(w, http.StatusBadRequest, "invalid mode: %s", req.Mode)
		return
	}
	if err := s.streamer.ChangeMode(req.Instruments, req.Mode); err != nil {
		writeDetail(w, http.StatusInternalServerError, "mode change failed: %s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"message":          fmt.Sprintf("Changed mode to %s for %d instruments", req.Mode, len(req.Instruments)),
		"instruments":      req.Instruments,
		"mode":             req.Mode,
		"instrument_modes": s.streamer.Modes(),
		"timestamp":        istime.FormatNow(),
	})
}

func (s *Server) fnoUnderlying(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if symbol := r.URL.Query().Get("trading_symbol"); symbol != "" {
		u, err := s.store.GetUnderlying(ctx, symbol)
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, "cache read failed: %s", err)
			return
		}
		if u == nil {
			writeDetail(w, http.StatusNotFound, "no underlying found for %s", symbol)
			return
		}
		writeJSON(w, http.StatusOK, u)
		return
	}

	sampleN := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sampleN = n
		}
	}
	keys, sample, err := s.store.ScanUnderlyings(ctx, sampleN)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "cache scan failed: %s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(keys),
		"keys":        keys,
		"sample_data": sample,
	})
}

func (s *Server) candles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := mux.Vars(r)["instrument_key"]

	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = model.Interval1Min
	}
	tradingDate := r.URL.Query().Get("trading_date")
	if tradingDate == "" {
		d, err := s.store.GetTradingDate(ctx)
		if err != nil || d == "" {
			d = istime.DateString()
		}
		tradingDate = d
	}

	series, err := s.store.GetCandleSeries(ctx, tradingDate, key, interval)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "cache read failed: %s", err)
		return
	}
	if series == nil {
		series = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument_key": key,
		"interval":       interval,
		"trading_date":   tradingDate,
		"candles":        series,
		"count":          len(series),
	})
}

func (s *Server) reloadTokens(w http.ResponseWriter, r *http.Request) {
	res, err := s.streamer.Reload(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "token reload failed: %s", err)
		return
	}
	s.log.Info().Int("tokens", res.TokensLoaded).Msg("tokens reloaded via admin api")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "success",
		"message":             "Tokens reloaded and streamers restarted",
		"tokens_loaded":       res.TokensLoaded,
		"market_streamers":    res.Market,
		"portfolio_streamers": res.Portfolio,
		"timestamp":           istime.FormatNow(),
	})
}
