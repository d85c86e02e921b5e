package gateway

import (
	"encoding/json"
	"fmt"

	"market-data-service/internal/istime"
	"market-data-service/internal/model"
)

// clientRequest is the downstream control message: one JSON object per text
// frame, dispatched on "action".
type clientRequest struct {
	Action         string   `json:"action"`
	Instruments    []string `json:"instruments"`
	Intervals      []string `json:"intervals"`
	IncludeHistory *bool    `json:"include_history"`
}

const supportedActions = "subscribe, unsubscribe, get_subscriptions, " +
	"subscribe_ohlc, unsubscribe_ohlc, get_ohlc_subscriptions, ping"

// handleMessage processes one control frame. Protocol errors answer with an
// error frame and keep the session open.
func (c *Client) handleMessage(raw []byte) {
	var req clientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid JSON format")
		return
	}

	switch req.Action {
	case "subscribe":
		c.handleTickFilter(true, req.Instruments)
	case "unsubscribe":
		c.handleTickFilter(false, req.Instruments)
	case "get_subscriptions":
		c.enqueueJSON(map[string]any{
			"type":                  "subscriptions",
			"current_subscriptions": c.hub.registry.TickSubscriptions(c.ID),
		})
	case "subscribe_ohlc":
		c.handleSubscribeOHLC(&req)
	case "unsubscribe_ohlc":
		c.handleUnsubscribeOHLC(&req)
	case "get_ohlc_subscriptions":
		c.enqueueJSON(map[string]any{
			"type":                       "ohlc_subscriptions",
			"current_ohlc_subscriptions": c.hub.registry.OHLCSubscriptions(c.ID),
		})
	case "ping":
		c.enqueueJSON(map[string]any{
			"type":      "pong",
			"timestamp": istime.FormatNow(),
		})
	default:
		c.sendError(fmt.Sprintf("Unknown action: %s. Supported actions: %s",
			req.Action, supportedActions))
	}
}

// handleTickFilter applies subscribe/unsubscribe to the tick filter.
// An empty instrument list means the wildcard.
func (c *Client) handleTickFilter(subscribe bool, instruments []string) {
	if len(instruments) == 0 {
		instruments = []string{Wildcard}
	}
	current := c.hub.registry.UpdateTicks(c.ID, subscribe, instruments)

	action := "subscribe"
	if !subscribe {
		action = "unsubscribe"
	}
	c.enqueueJSON(map[string]any{
		"type":                  "subscription_update",
		"action":                action,
		"instruments":           instruments,
		"success":               true,
		"current_subscriptions": current,
	})
}

func (c *Client) handleSubscribeOHLC(req *clientRequest) {
	if len(req.Instruments) == 0 {
		c.sendError("instruments list is required for OHLC subscription")
		return
	}
	intervals := req.Intervals
	if len(intervals) == 0 {
		intervals = []string{Wildcard}
	}

	current := c.hub.registry.SubscribeOHLC(c.ID, req.Instruments, intervals)
	c.enqueueJSON(map[string]any{
		"type":                       "subscription_update",
		"action":                     "subscribe_ohlc",
		"instruments":                req.Instruments,
		"intervals":                  intervals,
		"success":                    true,
		"message":                    "OHLC subscription updated",
		"current_ohlc_subscriptions": current,
	})

	includeHistory := req.IncludeHistory == nil || *req.IncludeHistory
	if includeHistory && c.hub.history != nil {
		c.hub.history.Request(c.ctx, c.ID, req.Instruments, hydrationIntervals(intervals))
	}
}

func (c *Client) handleUnsubscribeOHLC(req *clientRequest) {
	// nil/empty lists select the wildcard level: no instruments clears
	// everything, no intervals clears whole instruments.
	var instruments, intervals []string
	if len(req.Instruments) > 0 {
		instruments = req.Instruments
	}
	if len(req.Intervals) > 0 {
		intervals = req.Intervals
	}

	current := c.hub.registry.UnsubscribeOHLC(c.ID, instruments, intervals)
	c.enqueueJSON(map[string]any{
		"type":                       "subscription_update",
		"action":                     "unsubscribe_ohlc",
		"instruments":                req.Instruments,
		"intervals":                  req.Intervals,
		"success":                    true,
		"message":                    "OHLC subscriptions removed",
		"current_ohlc_subscriptions": current,
	})
}

func (c *Client) sendError(message string) {
	c.enqueueJSON(map[string]any{"type": "error", "message": message})
}

// hydrationIntervals expands the wildcard to the ingested intervals, so an
// interval="*" subscription still gets concrete snapshots.
func hydrationIntervals(intervals []string) []string {
	out := make([]string, 0, len(intervals))
	seen := make(map[string]struct{}, len(intervals))
	add := func(iv string) {
		if _, ok := seen[iv]; !ok {
			seen[iv] = struct{}{}
			out = append(out, iv)
		}
	}
	for _, iv := range intervals {
		if iv == Wildcard {
			add(model.Interval1Min)
			add(model.Interval1Day)
			continue
		}
		add(iv)
	}
	return out
}
