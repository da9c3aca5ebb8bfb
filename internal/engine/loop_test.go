package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algotrader/internal/events"
	"algotrader/internal/notify"
	"algotrader/internal/order"
	"algotrader/internal/settings"
	"algotrader/internal/signal"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeSymbols struct {
	list []string
	err  error
}

func (f fakeSymbols) Symbols(context.Context) ([]string, error) { return f.list, f.err }

type fakeSignals struct {
	bySymbol map[string]*signal.Signal
	errs     map[string]error
	block    chan struct{}
}

func (f *fakeSignals) Analyze(ctx context.Context, symbol string) (*signal.Signal, error) {
	if f.block != nil {
		<-f.block
	}
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	s := f.bySymbol[symbol]
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

type asIs struct{}

func (asIs) Score(_ context.Context, s signal.Signal) (signal.Signal, error) { return s, nil }

type fakeRouter struct {
	mu       sync.Mutex
	mode     config.Mode
	capital  db.CapitalRecord
	requests []order.Request
	respond  func(req order.Request) order.Result
}

func (f *fakeRouter) Mode() config.Mode { return f.mode }

func (f *fakeRouter) PlaceOrder(_ context.Context, req order.Request) order.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.respond != nil {
		return f.respond(req)
	}
	return order.Result{
		Success: true,
		OrderID: fmt.Sprintf("ord-%d", len(f.requests)),
		Status:  "New",
		Symbol:  req.Symbol,
		Side:    req.Side,
		Qty:     req.Qty,
		Price:   req.Price,
	}
}

func (f *fakeRouter) LoadCapital(context.Context, config.Mode) (db.CapitalRecord, error) {
	return f.capital, nil
}

func (f *fakeRouter) ClosedTrades(context.Context, config.Mode) ([]db.Trade, error) { return nil, nil }

func (f *fakeRouter) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Symbol)
	}
	return out
}

type fakeSettings struct{ cycle settings.Cycle }

func (f fakeSettings) Cycle(context.Context) settings.Cycle { return f.cycle }

type fakeStore struct {
	mu      sync.Mutex
	signals []db.Signal
	reports []db.Report
}

func (f *fakeStore) AddSignal(_ context.Context, s db.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, s)
	return nil
}

func (f *fakeStore) AddReport(_ context.Context, r db.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

type fakeFiller struct{ calls int }

func (f *fakeFiller) MarkFilled(context.Context) (int, error) {
	f.calls++
	return 1, nil
}

type recordingNotifier struct{ msgs []notify.Message }

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func candidate(symbol string, score float64) *signal.Signal {
	return &signal.Signal{
		Symbol:     symbol,
		Side:       "Buy",
		Entry:      d("100"),
		StopLoss:   d("95"),
		TakeProfit: d("110"),
		Score:      score,
		Strategy:   "ema_trend",
	}
}

type harness struct {
	loop     *Loop
	router   *fakeRouter
	store    *fakeStore
	filler   *fakeFiller
	notifier *recordingNotifier
	bus      *events.Bus
}

func newHarness(t *testing.T, symbols []string, sigs *fakeSignals, cycle settings.Cycle) *harness {
	t.Helper()
	h := &harness{
		router: &fakeRouter{
			mode:    config.ModeVirtual,
			capital: db.CapitalRecord{Mode: config.ModeVirtual, Capital: d("100"), Available: d("100"), StartBalance: d("100")},
		},
		store:    &fakeStore{},
		filler:   &fakeFiller{},
		notifier: &recordingNotifier{},
		bus:      events.NewBus(),
	}
	loop, err := NewLoop(Deps{
		Symbols:  fakeSymbols{list: symbols},
		Signals:  sigs,
		Scorer:   asIs{},
		Router:   h.router,
		Settings: fakeSettings{cycle: cycle},
		Store:    h.store,
		Notifier: h.notifier,
		Filler:   h.filler,
		Bus:      h.bus,
	}, Options{})
	require.NoError(t, err)
	h.loop = loop
	return h
}

func defaultCycle() settings.Cycle {
	return settings.Cycle{ScanInterval: time.Hour, TopN: 2, MaxLossPct: -5, Leverage: 20, MarginUSDT: 5}
}

func TestRunOnceExecutesTopN(t *testing.T) {
	sigs := &fakeSignals{
		bySymbol: map[string]*signal.Signal{
			"AAAUSDT": candidate("AAAUSDT", 55),
			"BBBUSDT": candidate("BBBUSDT", 91),
			"CCCUSDT": candidate("CCCUSDT", 78),
		},
		errs: map[string]error{"EEEUSDT": errors.New("klines timeout")},
	}
	h := newHarness(t, []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT"}, sigs, defaultCycle())

	rep, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"BBBUSDT", "CCCUSDT"}, h.router.symbols())
	assert.Equal(t, 5, rep.Symbols)
	assert.Equal(t, 1, rep.ScanErrors)
	assert.Equal(t, 3, rep.Signals)
	assert.Equal(t, 2, rep.Ranked)
	assert.Equal(t, 2, rep.Executed)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, 1, rep.Filled)
	assert.False(t, rep.Paused)

	// Enrichment filled leverage, margin and qty before execution.
	req := h.router.requests[0]
	assert.Equal(t, 20, req.Leverage)
	assert.True(t, d("100").Equal(req.Price))
	assert.True(t, d("5").Equal(req.Qty.Mul(req.Price).Div(decimal.NewFromInt(20))))

	assert.Len(t, h.store.signals, 3)
	require.Len(t, h.store.reports, 1)
	assert.Equal(t, 2, h.store.reports[0].Executed)
	assert.Equal(t, 1, h.filler.calls)
	require.Len(t, h.notifier.msgs, 1)
	assert.Equal(t, notify.LevelSuccess, h.notifier.msgs[0].Level)
	assert.Equal(t, StateIdle, h.loop.State())
	require.NotNil(t, h.loop.LastReport())
	assert.Equal(t, rep.ID, h.loop.LastReport().ID)
}

func TestRunOnceFailuresStayPerSignal(t *testing.T) {
	broken := candidate("BADUSDT", 99)
	broken.StopLoss = decimal.Zero
	sigs := &fakeSignals{bySymbol: map[string]*signal.Signal{
		"BADUSDT": broken,
		"OKUSDT":  candidate("OKUSDT", 80),
		"NOIDUSD": candidate("NOIDUSD", 70),
		"POORUSD": candidate("POORUSD", 60),
	}}
	cycle := defaultCycle()
	cycle.TopN = 4
	h := newHarness(t, []string{"BADUSDT", "OKUSDT", "NOIDUSD", "POORUSD"}, sigs, cycle)
	h.router.respond = func(req order.Request) order.Result {
		switch req.Symbol {
		case "NOIDUSD":
			return order.Result{Success: true, Symbol: req.Symbol, Side: req.Side, Qty: req.Qty, Price: req.Price}
		case "POORUSD":
			return order.Result{Reason: order.ReasonInsufficientCapital, Message: "need 5"}
		}
		return order.Result{Success: true, OrderID: "x1", Symbol: req.Symbol, Side: req.Side, Qty: req.Qty, Price: req.Price}
	}

	rep, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"OKUSDT", "NOIDUSD", "POORUSD"}, h.router.symbols(), "invalid signal never reaches the router")
	assert.Equal(t, 1, rep.Executed)
	assert.Equal(t, 3, rep.Failed)
	require.Len(t, rep.Outcomes, 4)
	assert.Equal(t, string(order.ReasonInvalidOrder), rep.Outcomes[0].Reason)
	assert.Contains(t, rep.Outcomes[0].Message, "sl")
	assert.Equal(t, string(order.ReasonInvalidOrder), rep.Outcomes[2].Reason)
	assert.Contains(t, rep.Outcomes[2].Message, "order_id")
	assert.Equal(t, string(order.ReasonInsufficientCapital), rep.Outcomes[3].Reason)
}

func TestRunOnceWithoutSignalsEndsEarly(t *testing.T) {
	h := newHarness(t, []string{"AAAUSDT"}, &fakeSignals{}, defaultCycle())

	rep, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Signals)
	assert.Empty(t, h.router.symbols())
	assert.Len(t, h.store.reports, 1)
	assert.Empty(t, h.notifier.msgs)
}

func TestRunOnceSymbolErrorIsReported(t *testing.T) {
	h := newHarness(t, nil, &fakeSignals{}, defaultCycle())
	h.loop.deps.Symbols = fakeSymbols{err: errors.New("instruments down")}

	rep, err := h.loop.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, rep.Error, "instruments down")
	assert.Len(t, h.store.reports, 1)
	assert.Equal(t, StateIdle, h.loop.State())
}

func TestRiskGuardPausesExecution(t *testing.T) {
	sigs := &fakeSignals{bySymbol: map[string]*signal.Signal{"AAAUSDT": candidate("AAAUSDT", 80)}}
	h := newHarness(t, []string{"AAAUSDT"}, sigs, defaultCycle())
	h.router.capital.Capital = d("94")
	h.router.capital.Available = d("94")
	paused, unsub := h.bus.Subscribe(1, events.EventRiskPaused)
	defer unsub()

	rep, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Paused)
	require.NotNil(t, rep.Risk)
	assert.Equal(t, -6.0, rep.Risk.PeriodPct)
	assert.Empty(t, h.router.symbols())
	assert.Len(t, paused, 1)
	require.Len(t, h.notifier.msgs, 1)
	assert.Equal(t, notify.LevelWarn, h.notifier.msgs[0].Level)
}

func TestStopDuringExecutionStillReports(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	sigs := &fakeSignals{bySymbol: map[string]*signal.Signal{
		"AAAUSDT": candidate("AAAUSDT", 90),
		"BBBUSDT": candidate("BBBUSDT", 80),
	}}
	h := newHarness(t, []string{"AAAUSDT", "BBBUSDT"}, sigs, defaultCycle())
	h.loop.deps.Store = database

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.router.respond = func(req order.Request) order.Result {
		cancel()
		return order.Result{Success: true, OrderID: "ord-1", Symbol: req.Symbol, Side: req.Side, Qty: req.Qty, Price: req.Price}
	}

	rep, err := h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Interrupted)
	assert.Equal(t, 1, rep.Executed)
	assert.Equal(t, []string{"AAAUSDT"}, h.router.symbols())

	reports, err := database.ListReports(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, rep.ID, reports[0].ID)
	assert.Equal(t, 1, reports[0].Executed)
	assert.Equal(t, 1, h.filler.calls)
	assert.Len(t, h.notifier.msgs, 1)
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	sigs := &fakeSignals{block: make(chan struct{})}
	h := newHarness(t, []string{"AAAUSDT"}, sigs, defaultCycle())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.loop.RunOnce(context.Background())
	}()
	assert.Eventually(t, func() bool { return h.loop.State() == StateScanning }, time.Second, 5*time.Millisecond)

	_, err := h.loop.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(sigs.block)
	<-done
}

func TestRunStopsDuringCountdown(t *testing.T) {
	h := newHarness(t, []string{"AAAUSDT"}, &fakeSignals{}, defaultCycle())
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- h.loop.Run(ctx) }()

	assert.Eventually(t, func() bool { return !h.loop.NextRun().IsZero() }, time.Second, 5*time.Millisecond)
	assert.WithinDuration(t, time.Now().Add(time.Hour), h.loop.NextRun(), time.Minute)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, h.store.reports, 1)
}

func TestNewLoopRequiresCollaborators(t *testing.T) {
	_, err := NewLoop(Deps{}, Options{})
	assert.Error(t, err)
}
