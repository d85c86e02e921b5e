package upstoxws

import "errors"

var (
	// ErrAuth means the broker rejected the access token (HTTP 401/403 on
	// authorize or during the WS handshake).
	ErrAuth = errors.New("upstream rejected access token")

	// ErrNotConnected is returned by control operations while the socket is
	// down or reconnecting.
	ErrNotConnected = errors.New("upstream connection not established")

	// ErrReconnectStopped means the reconnect cap was reached; the connector
	// stays down until an external reload rebuilds it.
	ErrReconnectStopped = errors.New("auto reconnect stopped after max attempts")
)
