// Package istime anchors every wall-clock decision in the service to
// Indian Standard Time: trading dates, payload timestamps and the
// market-hours window.
package istime

import "time"

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// Now returns the current time in IST.
func Now() time.Time {
	return time.Now().In(IST)
}

// DateString returns the current IST date as YYYY-MM-DD.
func DateString() string {
	return Now().Format("2006-01-02")
}

// Format renders t in IST as an ISO-8601 string with offset. This is the
// timestamp format used in cache values and downstream payloads.
func Format(t time.Time) string {
	return t.In(IST).Format("2006-01-02T15:04:05.000000-07:00")
}

// FormatNow is Format(Now()).
func FormatNow() string {
	return Format(time.Now())
}

// TradingDateFromMillis returns the IST date (YYYY-MM-DD) of a broker
// timestamp in milliseconds since epoch. Candle series are partitioned by
// this date, so it is derived from the candle timestamp, not wall clock.
func TradingDateFromMillis(ms int64) string {
	return time.UnixMilli(ms).In(IST).Format("2006-01-02")
}

// IsMarketHours reports whether t falls within NSE trading hours
// (9:15 AM to 3:30 PM IST, Monday to Friday).
func IsMarketHours(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// NextDailyRun returns the next occurrence of hh:mm IST strictly after t.
// Used by the master-data scheduler for its 08:00 IST refresh.
func NextDailyRun(t time.Time, hour, minute int) time.Time {
	ist := t.In(IST)
	next := time.Date(ist.Year(), ist.Month(), ist.Day(), hour, minute, 0, 0, IST)
	if !next.After(ist) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
