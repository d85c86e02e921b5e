package upstoxws

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// controlFrame is the broker's market-feed control message.
type controlFrame struct {
	GUID   string      `json:"guid"`
	Method string      `json:"method"`
	Data   controlData `json:"data"`
}

type controlData struct {
	Mode           string   `json:"mode,omitempty"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// Subscribe requests the given instruments at the given mode.
func (c *Client) Subscribe(instruments []string, mode string) error {
	return c.sendControl("sub", mode, instruments)
}

// Unsubscribe drops the given instruments.
func (c *Client) Unsubscribe(instruments []string) error {
	return c.sendControl("unsub", "", instruments)
}

// ChangeMode switches the feed verbosity for the given instruments.
func (c *Client) ChangeMode(instruments []string, mode string) error {
	return c.sendControl("change_mode", mode, instruments)
}

func (c *Client) sendControl(method, mode string, instruments []string) error {
	if c.cfg.Kind != KindMarket {
		return fmt.Errorf("%s stream has no control channel", c.cfg.Kind)
	}
	if len(instruments) == 0 {
		return nil
	}

	frame := controlFrame{
		GUID:   uuid.NewString(),
		Method: method,
		Data:   controlData{Mode: mode, InstrumentKeys: instruments},
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	// One data writer at a time; the heartbeat uses WriteControl, which
	// gorilla allows concurrently.
	c.wmu.Lock()
	defer c.wmu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("control %s: %w", method, err)
	}
	return nil
}
