// Package history serves OHLC snapshots on subscription: cache first, the
// broker's intraday history API on a miss. A fixed worker pool and a rate
// limiter bound the concurrent API load so a slow upstream can never block
// the socket read path.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-data-service/internal/model"
)

// TokenSource returns the current upstream access token.
type TokenSource func() string

// Client calls the broker intraday history API.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	token   TokenSource
	log     zerolog.Logger
}

// NewClient builds a history API client. The limiter caps request rate
// across all hydrator workers.
func NewClient(baseURL string, token TokenSource, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		token:   token,
		log:     log,
	}
}

// intervalSpec maps a downstream interval to the API's (unit, size) pair.
// The hydrator accepts more intervals than live ingestion produces.
var intervalSpec = map[string]struct {
	unit string
	size int
}{
	model.Interval1Min: {"minute", 1},
	"5min":             {"minute", 5},
	"15min":            {"minute", 15},
	"30min":            {"minute", 30},
	model.Interval1Day: {"day", 1},
}

// SupportedInterval reports whether the API can serve this interval.
func SupportedInterval(interval string) bool {
	_, ok := intervalSpec[interval]
	return ok
}

// Intraday fetches today's candles for (instrument, interval), already
// normalized to completed model.Candle records in API order.
func (c *Client) Intraday(ctx context.Context, instrumentKey, interval string) ([]model.Candle, error) {
	spec, ok := intervalSpec[interval]
	if !ok {
		return nil, fmt.Errorf("unsupported history interval %q", interval)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v3/historical-candle/intraday/%s/%s/%d",
		c.baseURL, url.PathEscape(instrumentKey), spec.unit, spec.size)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history fetch %s: %w", instrumentKey, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history fetch %s: status %d", instrumentKey, resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
		Data   struct {
			Candles [][]json.RawMessage `json:"candles"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("history decode: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("history fetch %s: status %q", instrumentKey, body.Status)
	}

	candles := make([]model.Candle, 0, len(body.Data.Candles))
	for _, row := range body.Data.Candles {
		cd, err := parseRow(instrumentKey, interval, row)
		if err != nil {
			c.log.Warn().Err(err).Str("instrument", instrumentKey).Msg("skipping bad history row")
			continue
		}
		candles = append(candles, cd)
	}
	return candles, nil
}

// parseRow decodes one [ts, o, h, l, c, vol] row. The timestamp arrives
// either as epoch milliseconds or an ISO-8601 string.
func parseRow(instrumentKey, interval string, row []json.RawMessage) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("history row has %d fields", len(row))
	}

	ts, err := parseTimestamp(row[0])
	if err != nil {
		return model.Candle{}, err
	}
	if ts == 0 {
		return model.Candle{}, fmt.Errorf("history row with zero timestamp")
	}

	var o, h, l, cl model.FlexFloat
	var vol model.FlexInt
	for i, dst := range []json.Unmarshaler{&o, &h, &l, &cl, &vol} {
		if err := dst.UnmarshalJSON(row[i+1]); err != nil {
			return model.Candle{}, fmt.Errorf("history row field %d: %w", i+1, err)
		}
	}

	return model.Candle{
		InstrumentKey: instrumentKey,
		Interval:      interval,
		Open:          float64(o),
		High:          float64(h),
		Low:           float64(l),
		Close:         float64(cl),
		Volume:        int64(vol),
		TS:            ts,
		Status:        model.CandleCompleted,
	}, nil
}

func parseTimestamp(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return 0, fmt.Errorf("history timestamp %q: %w", s, err)
		}
		return t.UnixMilli(), nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("history timestamp %s: %w", raw, err)
	}
	return ms, nil
}
