package model

import "encoding/json"

// DayOHLC is the running open/high/low/close bucket for the current day,
// carried inside full market feeds.
type DayOHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Tick is the latest quote for one instrument. Index feeds populate only the
// ltpc-derived fields; full market feeds add depth, greeks and volume context.
// Absent fields stay at their zero value and are elided from the wire.
type Tick struct {
	InstrumentKey string   `json:"instrument_key"`
	LTP           float64  `json:"ltp"`
	LTT           string   `json:"ltt,omitempty"` // broker-supplied last traded time
	LTQ           int64    `json:"ltq,omitempty"`
	ChangePercent float64  `json:"change_percent"`
	OHLC          *DayOHLC `json:"ohlc,omitempty"`

	// Full market feed extras.
	MarketLevel  json.RawMessage `json:"market_level,omitempty"`
	OptionGreeks json.RawMessage `json:"option_greeks,omitempty"`
	ATP          float64         `json:"atp,omitempty"`
	VTT          int64           `json:"vtt,omitempty"` // cumulative traded volume
	OI           float64         `json:"oi,omitempty"`
	IV           float64         `json:"iv,omitempty"`
	TBQ          int64           `json:"tbq,omitempty"`
	TSQ          int64           `json:"tsq,omitempty"`

	Timestamp string `json:"timestamp"` // ingestion time, ISO IST
}

// JSON returns the JSON-encoded tick (errors ignored for hot-path usage).
func (t *Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
