// Package redis is the typed gateway to the external key/value store:
// latest-tick snapshots, per-day ZSET candle series, master data, the
// portfolio blob and upstream access tokens. All writes are idempotent so
// redundant upstream connectors converge on the same state, and they run
// behind a circuit breaker so a dead cache never adds per-tick latency.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"market-data-service/internal/istime"
	"market-data-service/internal/metrics"
	"market-data-service/internal/model"
)

const opTimeout = 3 * time.Second

// Config configures the cache connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Cache wraps the go-redis client with the service's key layout.
type Cache struct {
	client  *goredis.Client
	cb      *CircuitBreaker
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
	// Highest candle start-timestamp seen per series, so the :latest pointer
	// only moves forward.
	latestTS map[string]int64
	// In-process trading date, advanced monotonically.
	tradingDate string
}

// New connects to the cache. A failed ping is logged but not fatal: the
// service stays live and degraded, with reads falling back to memory.
func New(cfg Config, log zerolog.Logger) *Cache {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("cache unreachable, continuing degraded")
	} else {
		log.Info().Str("addr", cfg.Addr).Msg("cache connected")
	}

	return &Cache{
		client:   client,
		cb:       NewCircuitBreaker(5, 10*time.Second),
		log:      log,
		latestTS: make(map[string]int64),
	}
}

// Client returns the underlying go-redis client.
func (c *Cache) Client() *goredis.Client { return c.client }

// Breaker returns the write circuit breaker, for metrics hooks.
func (c *Cache) Breaker() *CircuitBreaker { return c.cb }

// SetMetrics attaches the write-error counter and breaker state gauge.
func (c *Cache) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
	c.cb.OnStateChange = func(from, to State) {
		m.CircuitBreakerState.Set(float64(to))
		c.log.Warn().Str("from", from.String()).Str("to", to.String()).
			Msg("cache circuit breaker state changed")
	}
}

// write runs fn through the circuit breaker with a bounded timeout.
func (c *Cache) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := c.cb.Execute(func() error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return fn(opCtx)
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.CacheWriteErrors.Inc()
		}
		c.log.Warn().Err(err).Str("op", op).Msg("cache write skipped")
	}
	return err
}

// SetTick stores the latest tick snapshot with a short TTL.
func (c *Cache) SetTick(ctx context.Context, t *model.Tick) error {
	return c.write(ctx, "set_tick", func(ctx context.Context) error {
		return c.client.Set(ctx, tickKey(t.InstrumentKey), t.JSON(), tickTTL).Err()
	})
}

// GetTick returns the cached tick for an instrument, or nil when absent.
func (c *Cache) GetTick(ctx context.Context, instrumentKey string) (*model.Tick, error) {
	raw, err := c.client.Get(ctx, tickKey(instrumentKey)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get tick %s: %w", instrumentKey, err)
	}
	var t model.Tick
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("cache decode tick %s: %w", instrumentKey, err)
	}
	return &t, nil
}

// SetPortfolio stores the opaque portfolio payload under a single key.
func (c *Cache) SetPortfolio(ctx context.Context, raw []byte) error {
	return c.write(ctx, "set_portfolio", func(ctx context.Context) error {
		return c.client.Set(ctx, portfolioKey, raw, portfolioTTL).Err()
	})
}

// GetPortfolio returns the cached portfolio payload, or nil when absent.
func (c *Cache) GetPortfolio(ctx context.Context) ([]byte, error) {
	raw, err := c.client.Get(ctx, portfolioKey).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get portfolio: %w", err)
	}
	return raw, nil
}

// AddCandle writes one candle into its day-partitioned series. The ZSET
// member is the candle JSON at score = start-timestamp, so the same candle
// from redundant connectors converges to a single member. The series TTL is
// set only on creation, and the :latest pointer only advances.
func (c *Cache) AddCandle(ctx context.Context, candle *model.Candle) error {
	date := istime.TradingDateFromMillis(candle.TS)
	series := seriesKey(date, candle.InstrumentKey, candle.Interval)
	payload := candle.JSON()

	return c.write(ctx, "add_candle", func(ctx context.Context) error {
		pipe := c.client.Pipeline()
		// Remove any prior member at the same score before adding, so a
		// re-emitted candle (1-day overwrite, duplicate connector) replaces
		// rather than accumulates.
		pipe.ZRemRangeByScore(ctx, series,
			fmt.Sprintf("%d", candle.TS), fmt.Sprintf("%d", candle.TS))
		pipe.ZAdd(ctx, series, &goredis.Z{Score: float64(candle.TS), Member: payload})
		ttlCmd := pipe.TTL(ctx, series)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("candle zadd %s: %w", series, err)
		}
		if ttlCmd.Val() < 0 {
			if err := c.client.Expire(ctx, series, seriesTTL).Err(); err != nil {
				return fmt.Errorf("candle expire %s: %w", series, err)
			}
		}

		c.mu.Lock()
		advance := candle.TS >= c.latestTS[series]
		if advance {
			c.latestTS[series] = candle.TS
		}
		c.mu.Unlock()
		if advance {
			key := latestKey(date, candle.InstrumentKey, candle.Interval)
			if err := c.client.Set(ctx, key, payload, seriesTTL).Err(); err != nil {
				return fmt.Errorf("candle latest %s: %w", key, err)
			}
		}
		return nil
	})
}

// GetCandleSeries returns the cached series ascending by start-timestamp.
func (c *Cache) GetCandleSeries(ctx context.Context, tradingDate, instrumentKey, interval string) ([]model.Candle, error) {
	series := seriesKey(tradingDate, instrumentKey, interval)
	members, err := c.client.ZRangeByScore(ctx, series, &goredis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("cache series %s: %w", series, err)
	}
	candles := make([]model.Candle, 0, len(members))
	for _, m := range members {
		var cd model.Candle
		if err := json.Unmarshal([]byte(m), &cd); err != nil {
			c.log.Warn().Err(err).Str("series", series).Msg("skipping undecodable cached candle")
			continue
		}
		candles = append(candles, cd)
	}
	return candles, nil
}

// GetLatestCandle returns the :latest pointer for a series, or nil.
func (c *Cache) GetLatestCandle(ctx context.Context, tradingDate, instrumentKey, interval string) (*model.Candle, error) {
	raw, err := c.client.Get(ctx, latestKey(tradingDate, instrumentKey, interval)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache latest candle: %w", err)
	}
	var cd model.Candle
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, fmt.Errorf("cache decode latest candle: %w", err)
	}
	return &cd, nil
}

// GetTradingDate returns the cached trading date, preferring the in-process
// value when the cache is unreachable.
func (c *Cache) GetTradingDate(ctx context.Context) (string, error) {
	date, err := c.client.Get(ctx, tradingDateKey).Result()
	if err == goredis.Nil || err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.tradingDate != "" {
			return c.tradingDate, nil
		}
		if err == goredis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("cache trading date: %w", err)
	}
	c.mu.Lock()
	if date > c.tradingDate {
		c.tradingDate = date
	}
	date = c.tradingDate
	c.mu.Unlock()
	return date, nil
}

// SetTradingDate records the trading date. The date only advances within a
// process lifetime; an older date is ignored. YYYY-MM-DD compares lexically.
func (c *Cache) SetTradingDate(ctx context.Context, date, updatedAt string) error {
	c.mu.Lock()
	if date < c.tradingDate {
		c.mu.Unlock()
		return nil
	}
	c.tradingDate = date
	c.mu.Unlock()

	return c.write(ctx, "set_trading_date", func(ctx context.Context) error {
		pipe := c.client.Pipeline()
		pipe.Set(ctx, tradingDateKey, date, 0)
		pipe.Set(ctx, masterUpdatedAtKey, updatedAt, 0)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// SetUnderlying caches one FNO underlying record for a week.
func (c *Cache) SetUnderlying(ctx context.Context, u *model.FNOUnderlying) error {
	return c.write(ctx, "set_underlying", func(ctx context.Context) error {
		return c.client.Set(ctx, underlyingKey(u.TradingSymbol), u.JSON(), underlyingTTL).Err()
	})
}

// GetUnderlying returns the cached record for a trading symbol, or nil.
func (c *Cache) GetUnderlying(ctx context.Context, tradingSymbol string) (*model.FNOUnderlying, error) {
	raw, err := c.client.Get(ctx, underlyingKey(tradingSymbol)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get underlying %s: %w", tradingSymbol, err)
	}
	var u model.FNOUnderlying
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("cache decode underlying %s: %w", tradingSymbol, err)
	}
	return &u, nil
}

// ScanUnderlyings lists cached FNO symbols and up to sampleN sample records.
func (c *Cache) ScanUnderlyings(ctx context.Context, sampleN int) ([]string, []model.FNOUnderlying, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, "fno_und:*", 200).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("cache scan underlyings: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	samples := make([]model.FNOUnderlying, 0, sampleN)
	for _, k := range keys {
		if len(samples) >= sampleN {
			break
		}
		raw, err := c.client.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		var u model.FNOUnderlying
		if json.Unmarshal(raw, &u) == nil {
			samples = append(samples, u)
		}
	}
	return keys, samples, nil
}

// AccessToken reads the per-account upstream token; empty when absent.
func (c *Cache) AccessToken(ctx context.Context, accountID string) (string, error) {
	tok, err := c.client.Get(ctx, accountTokenKey(accountID)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache token %s: %w", accountID, err)
	}
	return tok, nil
}

// LegacyTokens reads the single-account token keys, in primary, secondary
// order. Missing keys are simply omitted.
func (c *Cache) LegacyTokens(ctx context.Context) ([]string, error) {
	var toks []string
	for _, key := range []string{legacyTokenKey, legacySecondaryTokenKey} {
		tok, err := c.client.Get(ctx, key).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return toks, fmt.Errorf("cache token %s: %w", key, err)
		}
		if tok != "" {
			toks = append(toks, tok)
		}
	}
	return toks, nil
}

// Close closes the underlying client.
func (c *Cache) Close() error { return c.client.Close() }
