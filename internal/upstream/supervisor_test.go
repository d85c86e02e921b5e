package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-service/internal/model"
	"market-data-service/internal/tokens"
	"market-data-service/pkg/upstoxws"
)

type fakeConnector struct {
	mu           sync.Mutex
	cfg          upstoxws.Config
	connected    bool
	disconnected bool
	subs         map[string]string // instrument -> mode
	failOps      bool
}

func (f *fakeConnector) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.cfg.Events.OnOpen(f.cfg.Index)
	return nil
}

func (f *fakeConnector) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeConnector) Subscribe(instruments []string, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return errors.New("socket not connected")
	}
	for _, inst := range instruments {
		f.subs[inst] = mode
	}
	return nil
}

func (f *fakeConnector) Unsubscribe(instruments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return errors.New("socket not connected")
	}
	for _, inst := range instruments {
		delete(f.subs, inst)
	}
	return nil
}

func (f *fakeConnector) ChangeMode(instruments []string, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return errors.New("socket not connected")
	}
	for _, inst := range instruments {
		if _, ok := f.subs[inst]; ok {
			f.subs[inst] = mode
		}
	}
	return nil
}

func (f *fakeConnector) modeOf(inst string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.subs[inst]
	return m, ok
}

type nopSink struct{}

func (nopSink) HandleMarketFrame([]byte)    {}
func (nopSink) HandlePortfolioFrame([]byte) {}

// harness tracks every connector the factory hands out.
type harness struct {
	mu    sync.Mutex
	built []*fakeConnector
}

func (h *harness) factory(cfg upstoxws.Config) Connector {
	c := &fakeConnector{cfg: cfg, subs: make(map[string]string)}
	h.mu.Lock()
	h.built = append(h.built, c)
	h.mu.Unlock()
	return c
}

func (h *harness) markets() []*fakeConnector {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*fakeConnector
	for _, c := range h.built {
		if c.cfg.Kind == upstoxws.KindMarket {
			out = append(out, c)
		}
	}
	return out
}

func newTestSupervisor(t *testing.T, envTokens string, instruments []string) (*Supervisor, *harness) {
	t.Helper()
	loader := tokens.New(nil, tokens.Config{EnvPrimary: envTokens}, zerolog.Nop())
	s := New(Config{BaseURL: "https://api.example.test", Instruments: instruments},
		loader, nopSink{}, zerolog.Nop(), nil)
	h := &harness{}
	s.factory = h.factory
	return s, h
}

func waitForResubscribe(t *testing.T, c *fakeConnector, inst string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := c.modeOf(inst)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestStart_BuildsOnePairPerToken(t *testing.T) {
	s, h := newTestSupervisor(t, "tok-1,tok-2", []string{"NSE_INDEX|Nifty 50"})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.built) == 4
	}, time.Second, 5*time.Millisecond)

	health := s.Health()
	assert.Equal(t, 2, health.Market.Total)
	assert.Equal(t, 2, health.Portfolio.Total)
	assert.Equal(t, "tok-1", s.PrimaryToken())

	// Every market connector converges on the initial subscription set.
	for _, c := range h.markets() {
		waitForResubscribe(t, c, "NSE_INDEX|Nifty 50")
		mode, _ := c.modeOf("NSE_INDEX|Nifty 50")
		assert.Equal(t, model.ModeFull, mode)
	}
}

func TestStart_NoTokensIsFatal(t *testing.T) {
	s, _ := newTestSupervisor(t, "", nil)
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, tokens.ErrNoTokens)
}

func TestSubscribe_TracksNewInstrumentsAsFull(t *testing.T) {
	s, h := newTestSupervisor(t, "tok-1", nil)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.markets()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Subscribe([]string{"NSE_EQ|A", "NSE_EQ|B"}))
	assert.ElementsMatch(t, []string{"NSE_EQ|A", "NSE_EQ|B"}, s.SubscribedInstruments())
	assert.Equal(t, map[string]string{
		"NSE_EQ|A": model.ModeFull,
		"NSE_EQ|B": model.ModeFull,
	}, s.Modes())
}

func TestUnsubscribe_DropsInstrumentState(t *testing.T) {
	s, h := newTestSupervisor(t, "tok-1", []string{"NSE_EQ|A", "NSE_EQ|B"})
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.markets()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Unsubscribe([]string{"NSE_EQ|A"}))
	assert.Equal(t, []string{"NSE_EQ|B"}, s.SubscribedInstruments())
	_, tracked := s.Modes()["NSE_EQ|A"]
	assert.False(t, tracked)
}

func TestChangeMode_UpdatesModeMapOnSuccess(t *testing.T) {
	s, h := newTestSupervisor(t, "tok-1", []string{"NSE_EQ|A"})
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.markets()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.ChangeMode([]string{"NSE_EQ|A"}, model.ModeLTPC))
	assert.Equal(t, model.ModeLTPC, s.Modes()["NSE_EQ|A"])

	// Untracked instruments do not sneak into the mode map.
	require.NoError(t, s.ChangeMode([]string{"NSE_EQ|Z"}, model.ModeLTPC))
	_, tracked := s.Modes()["NSE_EQ|Z"]
	assert.False(t, tracked)

	assert.Error(t, s.ChangeMode([]string{"NSE_EQ|A"}, "turbo"))
}

func TestApply_SucceedsWithOneHealthyConnector(t *testing.T) {
	s, h := newTestSupervisor(t, "tok-1,tok-2", nil)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.markets()) == 2 }, time.Second, 5*time.Millisecond)

	markets := h.markets()
	markets[0].mu.Lock()
	markets[0].failOps = true
	markets[0].mu.Unlock()

	assert.NoError(t, s.Subscribe([]string{"NSE_EQ|A"}))

	markets[1].mu.Lock()
	markets[1].failOps = true
	markets[1].mu.Unlock()

	err := s.Subscribe([]string{"NSE_EQ|B"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all connectors failed")
	assert.Contains(t, err.Error(), "streamer 0")
	assert.Contains(t, err.Error(), "streamer 1")
	// Failed subscribe leaves the authoritative set untouched.
	assert.NotContains(t, s.SubscribedInstruments(), "NSE_EQ|B")
}

func TestReload_PreservesSubscriptionsAndModes(t *testing.T) {
	s, h := newTestSupervisor(t, "tok-1", []string{"NSE_EQ|A"})
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.markets()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.ChangeMode([]string{"NSE_EQ|A"}, model.ModeLTPC))

	old := h.markets()[0]
	res, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReloadResult{TokensLoaded: 1, Market: 1, Portfolio: 1}, res)

	old.mu.Lock()
	assert.True(t, old.disconnected)
	old.mu.Unlock()

	// The replacement connector receives the preserved state on open.
	require.Eventually(t, func() bool { return len(h.markets()) == 2 }, time.Second, 5*time.Millisecond)
	replacement := h.markets()[1]
	waitForResubscribe(t, replacement, "NSE_EQ|A")
	mode, _ := replacement.modeOf("NSE_EQ|A")
	assert.Equal(t, model.ModeLTPC, mode)

	assert.Equal(t, []string{"NSE_EQ|A"}, s.SubscribedInstruments())
}

func TestHealth_ReflectsConnectorEvents(t *testing.T) {
	s, _ := newTestSupervisor(t, "tok-1", nil)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return s.Health().Market.Connected == 1 && s.Health().Portfolio.Connected == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Health().Healthy())

	// A dropped market connection with retries pending stays "active".
	sink := &eventSink{s: s, kind: upstoxws.KindMarket}
	sink.OnClose(0, 1006, "abnormal closure")
	sink.OnReconnecting(0, 2)

	health := s.Health()
	assert.Equal(t, 0, health.Market.Connected)
	assert.Equal(t, 1, health.Market.Active)
	assert.Equal(t, 2, health.Market.Status[0].ReconnectAttempts)

	// Reconnect cap reached: inactive, but portfolio keeps the service healthy.
	sink.OnAutoReconnectStopped(0, "auto_reconnect_stopped")
	health = s.Health()
	assert.Equal(t, 0, health.Market.Active)
	assert.True(t, health.Healthy())
}
