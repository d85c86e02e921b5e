package gateway

import (
	"sort"
	"sync"
)

// Wildcard matches every instrument (tick filters) or every interval
// (OHLC filters).
const Wildcard = "*"

// Registry is the thread-safe store of per-client filters. A client exists
// here iff its socket is open; Remove drops both filter kinds atomically.
// The hub reads target snapshots under the lock and delivers outside it.
type Registry struct {
	mu sync.RWMutex
	// client -> set of instrument keys (may contain Wildcard)
	ticks map[string]map[string]struct{}
	// client -> instrument -> set of intervals (may contain Wildcard)
	ohlc map[string]map[string]map[string]struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ticks: make(map[string]map[string]struct{}),
		ohlc:  make(map[string]map[string]map[string]struct{}),
	}
}

// Add registers a client with the initial wildcard tick filter and no OHLC
// subscriptions.
func (r *Registry) Add(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks[clientID] = map[string]struct{}{Wildcard: {}}
	r.ohlc[clientID] = make(map[string]map[string]struct{})
}

// Remove drops all of the client's filters.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ticks, clientID)
	delete(r.ohlc, clientID)
}

// UpdateTicks applies a set union (subscribe) or difference (unsubscribe)
// and returns the resulting filter, sorted.
func (r *Registry) UpdateTicks(clientID string, subscribe bool, instruments []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.ticks[clientID]
	if !ok {
		return nil
	}
	for _, inst := range instruments {
		if subscribe {
			set[inst] = struct{}{}
		} else {
			delete(set, inst)
		}
	}
	return sortedKeys(set)
}

// TickSubscriptions returns the client's current tick filter, sorted.
func (r *Registry) TickSubscriptions(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.ticks[clientID])
}

// SubscribeOHLC adds the intervals to each instrument's set and returns the
// client's full OHLC view.
func (r *Registry) SubscribeOHLC(clientID string, instruments, intervals []string) map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.ohlc[clientID]
	if !ok {
		return nil
	}
	for _, inst := range instruments {
		set := subs[inst]
		if set == nil {
			set = make(map[string]struct{})
			subs[inst] = set
		}
		for _, iv := range intervals {
			set[iv] = struct{}{}
		}
	}
	return ohlcView(subs)
}

// UnsubscribeOHLC implements the three-level wildcard: nil instruments
// clears everything; nil intervals clears the listed instruments; otherwise
// the listed intervals are removed and emptied instruments dropped.
func (r *Registry) UnsubscribeOHLC(clientID string, instruments, intervals []string) map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.ohlc[clientID]
	if !ok {
		return nil
	}
	switch {
	case instruments == nil:
		subs = make(map[string]map[string]struct{})
		r.ohlc[clientID] = subs
	case intervals == nil:
		for _, inst := range instruments {
			delete(subs, inst)
		}
	default:
		for _, inst := range instruments {
			set, ok := subs[inst]
			if !ok {
				continue
			}
			for _, iv := range intervals {
				delete(set, iv)
			}
			if len(set) == 0 {
				delete(subs, inst)
			}
		}
	}
	return ohlcView(subs)
}

// OHLCSubscriptions returns the client's OHLC filter as instrument → sorted
// intervals.
func (r *Registry) OHLCSubscriptions(clientID string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ohlcView(r.ohlc[clientID])
}

// TickTargets returns the ids of clients whose tick filter matches the
// instrument.
func (r *Registry) TickTargets(instrumentKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, set := range r.ticks {
		if _, ok := set[Wildcard]; ok {
			ids = append(ids, id)
			continue
		}
		if _, ok := set[instrumentKey]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// CandleTargets returns the ids of clients subscribed to (instrument,
// interval) candles.
func (r *Registry) CandleTargets(instrumentKey, interval string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, subs := range r.ohlc {
		set, ok := subs[instrumentKey]
		if !ok {
			continue
		}
		if _, ok := set[Wildcard]; ok {
			ids = append(ids, id)
			continue
		}
		if _, ok := set[interval]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// PortfolioTargets returns the ids of clients with a wildcard tick filter;
// portfolio events are not filtered by instrument.
func (r *Registry) PortfolioTargets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, set := range r.ticks {
		if _, ok := set[Wildcard]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// All returns every client's tick filter, for the admin surface.
func (r *Registry) All() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.ticks))
	for id, set := range r.ticks {
		out[id] = sortedKeys(set)
	}
	return out
}

// ClientCount returns the number of registered clients.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ticks)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func ohlcView(subs map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(subs))
	for inst, set := range subs {
		out[inst] = sortedKeys(set)
	}
	return out
}
