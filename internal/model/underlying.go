package model

import "encoding/json"

// FNOUnderlying is one cached row of the futures/options underlying table.
type FNOUnderlying struct {
	InstrumentKey  string  `json:"instrument_key"`
	TradingSymbol  string  `json:"trading_symbol"`
	Name           string  `json:"name"`
	Segment        string  `json:"segment"`
	InstrumentType string  `json:"instrument_type"`
	TickSize       float64 `json:"tick_size"`
	UpdatedAt      string  `json:"updated_at"`
}

// JSON returns the JSON-encoded record.
func (u *FNOUnderlying) JSON() []byte {
	b, _ := json.Marshal(u)
	return b
}
