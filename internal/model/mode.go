package model

// Upstream per-instrument subscription modes.
const (
	ModeFull         = "full"
	ModeLTPC         = "ltpc"
	ModeOptionGreeks = "option_greeks"
	ModeFullD30      = "full_d30"
)

// ValidMode reports whether m is a recognized subscription mode.
func ValidMode(m string) bool {
	switch m {
	case ModeFull, ModeLTPC, ModeOptionGreeks, ModeFullD30:
		return true
	}
	return false
}
