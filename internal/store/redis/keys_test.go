package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "market_data:NSE_INDEX|Nifty 50", tickKey("NSE_INDEX|Nifty 50"))
	assert.Equal(t, "ohlc:2024-05-30:NSE_EQ|INE020B01018:1min",
		seriesKey("2024-05-30", "NSE_EQ|INE020B01018", "1min"))
	assert.Equal(t, "ohlc:2024-05-30:NSE_EQ|INE020B01018:1min:latest",
		latestKey("2024-05-30", "NSE_EQ|INE020B01018", "1min"))
	assert.Equal(t, "fno_und:RELIANCE", underlyingKey("RELIANCE"))
	assert.Equal(t, "upstox_access_token:acc1", accountTokenKey("acc1"))
}
