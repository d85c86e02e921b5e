// Package upstream owns the vector of broker connectors, one market and one
// portfolio connection per access token. The supervisor keeps per-connector
// health, holds the authoritative subscription set and instrument→mode map,
// fans control operations out to every connector, and forwards every decoded
// frame to the ingestion pipeline. Deduplication of redundant frames is
// deliberately left to the pipeline and the cache's idempotent writes.
package upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-data-service/internal/istime"
	"market-data-service/internal/metrics"
	"market-data-service/internal/model"
	"market-data-service/internal/tokens"
	"market-data-service/pkg/upstoxws"
)

// MessageSink receives every raw frame from every connector.
type MessageSink interface {
	HandleMarketFrame(raw []byte)
	HandlePortfolioFrame(raw []byte)
}

// Connector is the slice of upstoxws.Client the supervisor drives. Tests
// substitute fakes through the Factory.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(instruments []string, mode string) error
	Unsubscribe(instruments []string) error
	ChangeMode(instruments []string, mode string) error
}

// Factory builds a connector from a config.
type Factory func(cfg upstoxws.Config) Connector

// Config parameterizes the supervisor.
type Config struct {
	BaseURL     string
	Instruments []string // initial subscription set, mode full
}

// ReloadResult reports a completed token reload.
type ReloadResult struct {
	TokensLoaded int `json:"tokens_loaded"`
	Market       int `json:"market_streamers"`
	Portfolio    int `json:"portfolio_streamers"`
}

// Supervisor owns the connector vectors and their shared state.
type Supervisor struct {
	cfg     Config
	loader  *tokens.Loader
	sink    MessageSink
	log     zerolog.Logger
	metrics *metrics.Metrics
	factory Factory

	mu              sync.RWMutex
	ctx             context.Context
	market          []Connector
	portfolio       []Connector
	marketStatus    []model.ConnectorStatus
	portfolioStatus []model.ConnectorStatus
	tokens          []string
	subscribed      []string
	modes           map[string]string
}

// New builds a supervisor. The initial instruments are recorded immediately
// so the first OnOpen pushes them to the broker.
func New(cfg Config, loader *tokens.Loader, sink MessageSink, log zerolog.Logger, m *metrics.Metrics) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		loader:  loader,
		sink:    sink,
		log:     log,
		metrics: m,
		modes:   make(map[string]string),
	}
	s.factory = func(c upstoxws.Config) Connector { return upstoxws.New(c) }
	for _, inst := range cfg.Instruments {
		s.subscribed = append(s.subscribed, inst)
		s.modes[inst] = model.ModeFull
	}
	return s
}

// Start resolves tokens, builds both connector vectors and begins
// connecting. No tokens at startup is fatal.
func (s *Supervisor) Start(ctx context.Context) error {
	toks, err := s.loader.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ctx = ctx
	s.build(toks)
	s.mu.Unlock()

	s.connectAll(ctx)
	return nil
}

// build replaces the connector vectors. Caller holds s.mu.
func (s *Supervisor) build(toks []string) {
	s.tokens = toks
	s.market = make([]Connector, len(toks))
	s.portfolio = make([]Connector, len(toks))
	s.marketStatus = make([]model.ConnectorStatus, len(toks))
	s.portfolioStatus = make([]model.ConnectorStatus, len(toks))

	for i, tok := range toks {
		s.marketStatus[i] = model.ConnectorStatus{TokenIndex: i}
		s.portfolioStatus[i] = model.ConnectorStatus{TokenIndex: i}
		s.market[i] = s.factory(upstoxws.Config{
			Token:   tok,
			Index:   i,
			Kind:    upstoxws.KindMarket,
			BaseURL: s.cfg.BaseURL,
			Events:  &eventSink{s: s, kind: upstoxws.KindMarket},
			Log:     s.log,
		})
		s.portfolio[i] = s.factory(upstoxws.Config{
			Token:   tok,
			Index:   i,
			Kind:    upstoxws.KindPortfolio,
			BaseURL: s.cfg.BaseURL,
			Events:  &eventSink{s: s, kind: upstoxws.KindPortfolio},
			Log:     s.log,
		})
	}
}

func (s *Supervisor) connectAll(ctx context.Context) {
	s.mu.RLock()
	conns := make([]Connector, 0, len(s.market)+len(s.portfolio))
	conns = append(conns, s.market...)
	conns = append(conns, s.portfolio...)
	s.mu.RUnlock()

	for _, c := range conns {
		c := c
		go func() {
			// Connect classifies failures and owns its own retries.
			_ = c.Connect(ctx)
		}()
	}
}

// Stop disconnects every connector.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	conns := make([]Connector, 0, len(s.market)+len(s.portfolio))
	conns = append(conns, s.market...)
	conns = append(conns, s.portfolio...)
	s.mu.RUnlock()
	for _, c := range conns {
		c.Disconnect()
	}
}

// Subscribe adds instruments on every connector (mode full for instruments
// not yet tracked). Succeeds when at least one connector accepted.
func (s *Supervisor) Subscribe(instruments []string) error {
	if err := s.apply(func(c Connector) error {
		return c.Subscribe(instruments, model.ModeFull)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	for _, inst := range instruments {
		if _, ok := s.modes[inst]; !ok {
			s.subscribed = append(s.subscribed, inst)
			s.modes[inst] = model.ModeFull
		}
	}
	s.mu.Unlock()
	return nil
}

// Unsubscribe drops instruments on every connector.
func (s *Supervisor) Unsubscribe(instruments []string) error {
	if err := s.apply(func(c Connector) error {
		return c.Unsubscribe(instruments)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	drop := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		drop[inst] = struct{}{}
		delete(s.modes, inst)
	}
	kept := s.subscribed[:0]
	for _, inst := range s.subscribed {
		if _, gone := drop[inst]; !gone {
			kept = append(kept, inst)
		}
	}
	s.subscribed = kept
	s.mu.Unlock()
	return nil
}

// ChangeMode switches feed verbosity. On success the mode map reflects the
// new mode regardless of which individual connectors failed.
func (s *Supervisor) ChangeMode(instruments []string, mode string) error {
	if !model.ValidMode(mode) {
		return fmt.Errorf("invalid mode %q", mode)
	}
	if err := s.apply(func(c Connector) error {
		return c.ChangeMode(instruments, mode)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	for _, inst := range instruments {
		if _, ok := s.modes[inst]; ok {
			s.modes[inst] = mode
		}
	}
	s.mu.Unlock()
	return nil
}

// apply runs op concurrently against every market connector. Success means
// at least one connector accepted; the error carries a per-connector
// breakdown otherwise.
func (s *Supervisor) apply(op func(c Connector) error) error {
	s.mu.RLock()
	conns := append([]Connector(nil), s.market...)
	s.mu.RUnlock()
	if len(conns) == 0 {
		return fmt.Errorf("no upstream connectors")
	}

	errs := make([]error, len(conns))
	var g errgroup.Group
	for i, c := range conns {
		i, c := i, c
		g.Go(func() error {
			errs[i] = op(c)
			return nil
		})
	}
	g.Wait()

	var failures []string
	for i, err := range errs {
		if err != nil {
			failures = append(failures, fmt.Sprintf("streamer %d: %v", i, err))
		}
	}
	if len(failures) == len(conns) {
		return fmt.Errorf("all connectors failed: %s", strings.Join(failures, "; "))
	}
	if len(failures) > 0 {
		s.log.Warn().Strs("failures", failures).Msg("control op degraded")
	}
	return nil
}

// Reload swaps the connector vectors for a fresh token set while preserving
// the subscription set and per-instrument modes. When no tokens can be
// resolved the previous connectors are left stopped and the error returned.
func (s *Supervisor) Reload(ctx context.Context) (ReloadResult, error) {
	toks, err := s.loader.Load(ctx)

	s.Stop()

	if err != nil {
		return ReloadResult{}, err
	}

	s.mu.Lock()
	if s.ctx == nil {
		s.ctx = ctx
	}
	runCtx := s.ctx
	s.build(toks)
	res := ReloadResult{
		TokensLoaded: len(toks),
		Market:       len(s.market),
		Portfolio:    len(s.portfolio),
	}
	s.mu.Unlock()

	s.connectAll(runCtx)
	s.log.Info().Int("tokens", len(toks)).Msg("upstream connectors reloaded")
	return res, nil
}

// resubscribe pushes the authoritative instrument→mode map to one market
// connector, grouped by mode. Runs on every OnOpen so fresh connects,
// reconnects and reloads all converge on the same upstream state.
func (s *Supervisor) resubscribe(index int) {
	s.mu.RLock()
	if index >= len(s.market) {
		s.mu.RUnlock()
		return
	}
	conn := s.market[index]
	byMode := make(map[string][]string)
	for _, inst := range s.subscribed {
		mode := s.modes[inst]
		byMode[mode] = append(byMode[mode], inst)
	}
	s.mu.RUnlock()

	for mode, insts := range byMode {
		if err := conn.Subscribe(insts, mode); err != nil {
			s.log.Warn().Err(err).Int("index", index).Str("mode", mode).
				Msg("resubscribe failed")
		}
	}
}

// SubscribedInstruments returns the authoritative subscription set.
func (s *Supervisor) SubscribedInstruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.subscribed...)
}

// Modes returns a copy of the instrument→mode map.
func (s *Supervisor) Modes() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.modes))
	for k, v := range s.modes {
		out[k] = v
	}
	return out
}

// PrimaryToken returns the first resolved token, for sibling REST calls.
func (s *Supervisor) PrimaryToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.tokens) == 0 {
		return ""
	}
	return s.tokens[0]
}

// Health summarizes both connector vectors. A connector is active while it
// is connected or still retrying.
func (s *Supervisor) Health() model.StreamerHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.StreamerHealth{
		Market:    groupHealth(s.marketStatus),
		Portfolio: groupHealth(s.portfolioStatus),
	}
}

func groupHealth(statuses []model.ConnectorStatus) model.StreamerGroupHealth {
	g := model.StreamerGroupHealth{
		Total:  len(statuses),
		Status: append([]model.ConnectorStatus(nil), statuses...),
	}
	for _, st := range statuses {
		if st.Connected {
			g.Connected++
		}
		if st.Connected || st.Reconnecting {
			g.Active++
		}
	}
	return g
}

// status returns the mutable status record for (kind, index); nil when the
// vectors were rebuilt under the callback's feet. Caller holds s.mu.
func (s *Supervisor) status(kind upstoxws.Kind, index int) *model.ConnectorStatus {
	sts := s.marketStatus
	if kind == upstoxws.KindPortfolio {
		sts = s.portfolioStatus
	}
	if index >= len(sts) {
		return nil
	}
	return &sts[index]
}

func (s *Supervisor) updateConnectedGauge() {
	if s.metrics == nil {
		return
	}
	n := 0
	for _, st := range s.marketStatus {
		if st.Connected {
			n++
		}
	}
	for _, st := range s.portfolioStatus {
		if st.Connected {
			n++
		}
	}
	s.metrics.ConnectedUpstreams.Set(float64(n))
}

// eventSink adapts the supervisor to upstoxws.Events for one stream kind.
type eventSink struct {
	s    *Supervisor
	kind upstoxws.Kind
}

func (e *eventSink) OnOpen(index int) {
	s := e.s
	s.mu.Lock()
	if st := s.status(e.kind, index); st != nil {
		st.Connected = true
		st.Reconnecting = false
		st.ReconnectAttempts = 0
		st.LastError = ""
		st.LastConnectedAt = istime.FormatNow()
	}
	s.updateConnectedGauge()
	s.mu.Unlock()

	if e.kind == upstoxws.KindMarket {
		go s.resubscribe(index)
	}
}

func (e *eventSink) OnMessage(index int, raw []byte) {
	if e.s.metrics != nil {
		e.s.metrics.FramesTotal.WithLabelValues(e.kind.String()).Inc()
	}
	if e.kind == upstoxws.KindMarket {
		e.s.sink.HandleMarketFrame(raw)
		return
	}
	e.s.sink.HandlePortfolioFrame(raw)
}

func (e *eventSink) OnError(index int, err error) {
	s := e.s
	s.mu.Lock()
	if st := s.status(e.kind, index); st != nil {
		st.LastError = err.Error()
	}
	s.mu.Unlock()
	s.log.Warn().Err(err).Int("index", index).Str("stream", e.kind.String()).
		Msg("upstream error")
}

func (e *eventSink) OnClose(index int, code int, msg string) {
	s := e.s
	s.mu.Lock()
	if st := s.status(e.kind, index); st != nil {
		st.Connected = false
		st.LastError = fmt.Sprintf("closed (%d): %s", code, msg)
	}
	s.updateConnectedGauge()
	s.mu.Unlock()
}

func (e *eventSink) OnReconnecting(index int, attempt int) {
	s := e.s
	s.mu.Lock()
	if st := s.status(e.kind, index); st != nil {
		st.Connected = false
		st.Reconnecting = true
		st.ReconnectAttempts = attempt
	}
	s.updateConnectedGauge()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.UpstreamReconnects.Inc()
	}
}

func (e *eventSink) OnAutoReconnectStopped(index int, msg string) {
	s := e.s
	s.mu.Lock()
	if st := s.status(e.kind, index); st != nil {
		st.Connected = false
		st.Reconnecting = false
		st.LastError = msg
	}
	s.updateConnectedGauge()
	s.mu.Unlock()
	s.log.Error().Int("index", index).Str("stream", e.kind.String()).
		Msg("connector stopped, waiting for token reload")
}
