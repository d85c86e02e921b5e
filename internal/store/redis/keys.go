package redis

import "time"

// Cache key layout. A candle series is uniquely keyed by
// (trading date, instrument, interval); a candle's position within the
// series is its start timestamp (the ZSET score).
const (
	tickTTL       = 300 * time.Second
	portfolioTTL  = 300 * time.Second
	seriesTTL     = 86400 * time.Second
	underlyingTTL = 604800 * time.Second

	portfolioKey       = "portfolio_data"
	tradingDateKey     = "master_data:trading_date"
	masterUpdatedAtKey = "master_data:trading_date:updated_at"

	legacyTokenKey          = "upstox_access_token"
	legacySecondaryTokenKey = "upstox_access_token_secondary"
)

func tickKey(instrumentKey string) string {
	return "market_data:" + instrumentKey
}

func seriesKey(tradingDate, instrumentKey, interval string) string {
	return "ohlc:" + tradingDate + ":" + instrumentKey + ":" + interval
}

func latestKey(tradingDate, instrumentKey, interval string) string {
	return seriesKey(tradingDate, instrumentKey, interval) + ":latest"
}

func underlyingKey(tradingSymbol string) string {
	return "fno_und:" + tradingSymbol
}

func accountTokenKey(accountID string) string {
	return "upstox_access_token:" + accountID
}
