package model

import "encoding/json"

// CandleStatus marks whether a candle is still forming or final.
type CandleStatus string

const (
	CandleLive      CandleStatus = "live"
	CandleCompleted CandleStatus = "completed"
)

// Supported ingestion intervals. Longer intervals are served by the history
// hydrator but never ingested from the live feed.
const (
	Interval1Min = "1min"
	Interval1Day = "1day"
)

// Candle is one OHLC record for (instrument, interval). TS is the
// broker-supplied candle start timestamp in milliseconds since epoch (UTC)
// and doubles as the candle's position in the cached series.
type Candle struct {
	InstrumentKey string       `json:"instrument_key"`
	Interval      string       `json:"interval"`
	Open          float64      `json:"open"`
	High          float64      `json:"high"`
	Low           float64      `json:"low"`
	Close         float64      `json:"close"`
	Volume        int64        `json:"volume"`
	TS            int64        `json:"timestamp"`
	Status        CandleStatus `json:"candle_status"`

	// Extended tick context snapshotted at emission time.
	LTQ          int64           `json:"ltq,omitempty"`
	MarketLevel  json.RawMessage `json:"market_level,omitempty"`
	OptionGreeks json.RawMessage `json:"option_greeks,omitempty"`
	ATP          float64         `json:"atp,omitempty"`
	VTT          int64           `json:"vtt,omitempty"`
	OI           float64         `json:"oi,omitempty"`
	IV           float64         `json:"iv,omitempty"`
	TBQ          int64           `json:"tbq,omitempty"`
	TSQ          int64           `json:"tsq,omitempty"`
}

// JSON returns the JSON-encoded candle (errors ignored for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
