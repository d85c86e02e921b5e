package istime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTradingDateFromMillis(t *testing.T) {
	// 2024-05-30 09:20 IST == 03:50 UTC.
	ms := time.Date(2024, 5, 30, 3, 50, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, "2024-05-30", TradingDateFromMillis(ms))

	// Late-evening UTC rolls into the next IST date.
	ms = time.Date(2024, 5, 30, 20, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, "2024-05-31", TradingDateFromMillis(ms))
}

func TestIsMarketHours(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"before open", time.Date(2024, 5, 30, 9, 14, 0, 0, IST), false},
		{"at open", time.Date(2024, 5, 30, 9, 15, 0, 0, IST), true},
		{"mid session", time.Date(2024, 5, 30, 12, 0, 0, 0, IST), true},
		{"last minute", time.Date(2024, 5, 30, 15, 29, 59, 0, IST), true},
		{"at close", time.Date(2024, 5, 30, 15, 30, 0, 0, IST), false},
		{"saturday", time.Date(2024, 6, 1, 12, 0, 0, 0, IST), false},
		{"sunday", time.Date(2024, 6, 2, 12, 0, 0, 0, IST), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMarketHours(tt.t))
		})
	}
}

func TestNextDailyRun(t *testing.T) {
	// Before 08:00 IST: today.
	now := time.Date(2024, 5, 30, 6, 30, 0, 0, IST)
	next := NextDailyRun(now, 8, 0)
	assert.Equal(t, time.Date(2024, 5, 30, 8, 0, 0, 0, IST), next)

	// After 08:00 IST: tomorrow.
	now = time.Date(2024, 5, 30, 9, 0, 0, 0, IST)
	next = NextDailyRun(now, 8, 0)
	assert.Equal(t, time.Date(2024, 5, 31, 8, 0, 0, 0, IST), next)

	// Exactly 08:00: strictly after, so tomorrow.
	now = time.Date(2024, 5, 30, 8, 0, 0, 0, IST)
	next = NextDailyRun(now, 8, 0)
	assert.Equal(t, time.Date(2024, 5, 31, 8, 0, 0, 0, IST), next)
}

func TestFormat_CarriesISTOffset(t *testing.T) {
	ts := time.Date(2024, 5, 30, 3, 50, 0, 0, time.UTC)
	assert.Equal(t, "2024-05-30T09:20:00.000000+05:30", Format(ts))
}
