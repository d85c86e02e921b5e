package ingest

import (
	"encoding/json"
	"fmt"

	"market-data-service/internal/model"
)

// Broker feed wire shapes. A frame's "feeds" object maps instrument keys to
// one of several payload variants: a bare ltpc block, a full feed carrying
// either an index arm (indexFF) or a market arm (marketFF), or the greeks
// first-level feed. Numeric fields may arrive as numbers or decimal strings;
// the Flex types coerce both.

type ltpcBlock struct {
	LTP model.FlexFloat  `json:"ltp"`
	LTT model.FlexString `json:"ltt"`
	LTQ model.FlexInt    `json:"ltq"`
	CP  model.FlexFloat  `json:"cp"`
}

type ohlcEntry struct {
	Interval string          `json:"interval"`
	Open     model.FlexFloat `json:"open"`
	High     model.FlexFloat `json:"high"`
	Low      model.FlexFloat `json:"low"`
	Close    model.FlexFloat `json:"close"`
	Volume   model.FlexInt   `json:"volume"`
	Vol      model.FlexInt   `json:"vol"`
	TS       model.FlexInt   `json:"ts"`
}

// volume tolerates both field spellings the broker uses.
func (o *ohlcEntry) volume() int64 {
	if o.Volume != 0 {
		return int64(o.Volume)
	}
	return int64(o.Vol)
}

type marketOHLC struct {
	OHLC []ohlcEntry `json:"ohlc"`
}

type indexFeed struct {
	LTPC       *ltpcBlock  `json:"ltpc"`
	MarketOHLC *marketOHLC `json:"marketOHLC"`
}

type marketFeed struct {
	LTPC       *ltpcBlock  `json:"ltpc"`
	MarketOHLC *marketOHLC `json:"marketOHLC"`

	MarketLevel  json.RawMessage `json:"marketLevel"`
	OptionGreeks json.RawMessage `json:"optionGreeks"`
	ATP          model.FlexFloat `json:"atp"`
	VTT          model.FlexInt   `json:"vtt"`
	OI           model.FlexFloat `json:"oi"`
	IV           model.FlexFloat `json:"iv"`
	TBQ          model.FlexInt   `json:"tbq"`
	TSQ          model.FlexInt   `json:"tsq"`
}

type feedWire struct {
	LTPC     *ltpcBlock `json:"ltpc"`
	FullFeed *struct {
		IndexFF  *indexFeed  `json:"indexFF"`
		MarketFF *marketFeed `json:"marketFF"`
	} `json:"fullFeed"`
	FirstLevelWithGreeks *marketFeed `json:"firstLevelWithGreeks"`
}

// feedData is the normalized view of one decoded instrument feed.
// market is nil for index and ltpc-only feeds.
type feedData struct {
	ltpc    *ltpcBlock
	candles []ohlcEntry
	market  *marketFeed
}

// decodeFeed unmarshals one instrument feed and flattens the variant arms.
func decodeFeed(raw []byte) (*feedData, error) {
	var w feedWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("feed decode: %w", err)
	}

	fd := &feedData{}
	switch {
	case w.FullFeed != nil && w.FullFeed.MarketFF != nil:
		m := w.FullFeed.MarketFF
		fd.ltpc = m.LTPC
		fd.market = m
		if m.MarketOHLC != nil {
			fd.candles = m.MarketOHLC.OHLC
		}
	case w.FullFeed != nil && w.FullFeed.IndexFF != nil:
		ix := w.FullFeed.IndexFF
		fd.ltpc = ix.LTPC
		if ix.MarketOHLC != nil {
			fd.candles = ix.MarketOHLC.OHLC
		}
	case w.FirstLevelWithGreeks != nil:
		m := w.FirstLevelWithGreeks
		fd.ltpc = m.LTPC
		fd.market = m
		if m.MarketOHLC != nil {
			fd.candles = m.MarketOHLC.OHLC
		}
	case w.LTPC != nil:
		fd.ltpc = w.LTPC
	default:
		return nil, fmt.Errorf("feed decode: unknown payload shape")
	}
	return fd, nil
}

// mapInterval translates broker interval codes; empty means "discard".
func mapInterval(code string) string {
	switch code {
	case "I1":
		return model.Interval1Min
	case "1d":
		return model.Interval1Day
	}
	return ""
}
