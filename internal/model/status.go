package model

// ConnectorStatus is the per-token telemetry record for one upstream
// WebSocket connector.
type ConnectorStatus struct {
	Connected         bool   `json:"connected"`
	Reconnecting      bool   `json:"reconnecting"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastConnectedAt   string `json:"last_connected_at,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	TokenIndex        int    `json:"token_index"`
}

// StreamerGroupHealth summarizes one connector vector (market or portfolio).
type StreamerGroupHealth struct {
	Total     int               `json:"total"`
	Active    int               `json:"active"`
	Connected int               `json:"connected"`
	Status    []ConnectorStatus `json:"status"`
}

// StreamerHealth is the health summary across both stream sets.
type StreamerHealth struct {
	Market    StreamerGroupHealth `json:"market_streamers"`
	Portfolio StreamerGroupHealth `json:"portfolio_streamers"`
}

// Healthy reports whether at least one connector of either set is connected.
func (h StreamerHealth) Healthy() bool {
	return h.Market.Connected > 0 || h.Portfolio.Connected > 0
}
