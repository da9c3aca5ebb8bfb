// Package engine drives the scan-and-trade cycle and exposes the trading
// core to the API and CLI layers.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/events"
	"algotrader/internal/logger"
	"algotrader/internal/monitor"
	"algotrader/internal/notify"
	"algotrader/internal/order"
	"algotrader/internal/risk"
	"algotrader/internal/settings"
	"algotrader/internal/signal"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
	"algotrader/pkg/id"
)

// SymbolSource enumerates tradable symbols.
type SymbolSource interface {
	Symbols(ctx context.Context) ([]string, error)
}

// SignalSource produces at most one candidate per symbol. A nil signal
// means nothing to trade.
type SignalSource interface {
	Analyze(ctx context.Context, symbol string) (*signal.Signal, error)
}

// Executor is the slice of *order.Router the loop drives.
type Executor interface {
	Mode() config.Mode
	PlaceOrder(ctx context.Context, req order.Request) order.Result
	LoadCapital(ctx context.Context, mode config.Mode) (db.CapitalRecord, error)
	ClosedTrades(ctx context.Context, mode config.Mode) ([]db.Trade, error)
}

// CycleSettings supplies the tunables read at the start of every cycle.
type CycleSettings interface {
	Cycle(ctx context.Context) settings.Cycle
}

// ReportStore persists scored signals and cycle reports.
type ReportStore interface {
	AddSignal(ctx context.Context, s db.Signal) error
	AddReport(ctx context.Context, r db.Report) error
}

// Filler settles resting virtual entry orders. *order.Router satisfies it,
// so fills are serialized with every other mutation.
type Filler interface {
	MarkFilled(ctx context.Context) (int, error)
}

// Deps are the loop's collaborators. Filler is only used in virtual mode.
// Filler, Store, Notifier, Bus and Metrics are optional.
type Deps struct {
	Symbols  SymbolSource
	Signals  SignalSource
	Scorer   signal.Scorer
	Router   Executor
	Settings CycleSettings
	Risk     *risk.Manager
	Store    ReportStore
	Notifier notify.Notifier
	Filler   Filler
	Bus      *events.Bus
	Metrics  *monitor.Metrics
}

// reportTimeout bounds the Reporting step once the cycle context is gone.
const reportTimeout = 15 * time.Second

// Options tune pacing. Zero values fall back to defaults.
type Options struct {
	ScanPause    time.Duration
	FillInterval time.Duration
	CountdownLog time.Duration
}

// Loop runs one cycle at a time: Idle, Scanning, Scoring, Ranking,
// Executing, Reporting, then back to Idle.
type Loop struct {
	deps Deps
	opts Options
	mode config.Mode

	cycle sync.Mutex

	mu      sync.RWMutex
	state   State
	last    *Report
	nextRun time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewLoop(deps Deps, opts Options) (*Loop, error) {
	if deps.Symbols == nil || deps.Signals == nil || deps.Router == nil || deps.Settings == nil {
		return nil, fmt.Errorf("engine: symbols, signals, router and settings are required")
	}
	if deps.Scorer == nil {
		deps.Scorer = signal.HeuristicScorer{}
	}
	if deps.Risk == nil {
		deps.Risk = risk.NewManager(risk.DefaultConfig())
	}
	if opts.FillInterval <= 0 {
		opts.FillInterval = 30 * time.Second
	}
	if opts.CountdownLog <= 0 {
		opts.CountdownLog = time.Minute
	}
	return &Loop{
		deps:  deps,
		opts:  opts,
		mode:  deps.Router.Mode(),
		state: StateIdle,
		now:   time.Now,
		sleep: sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// State is the current step of the running cycle, or Idle.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// LastReport returns a copy of the last finished cycle's report.
func (l *Loop) LastReport() *Report {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return nil
	}
	r := *l.last
	return &r
}

// NextRun is when the countdown ends; zero while a cycle runs.
func (l *Loop) NextRun() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextRun
}

// Run executes cycles back to back with the configured interval between
// the end of one and the start of the next. It returns nil once ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) error {
	logger.Infof("[engine] scan loop started (%s mode)", l.mode)
	for {
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("[engine] cycle failed: %v", err)
		}
		if ctx.Err() != nil {
			break
		}
		interval := l.deps.Settings.Cycle(ctx).ScanInterval
		if interval <= 0 {
			interval = time.Hour
		}
		if err := l.countdown(ctx, interval); err != nil {
			break
		}
	}
	logger.Infof("[engine] scan loop stopped")
	return nil
}

func (l *Loop) countdown(ctx context.Context, d time.Duration) error {
	deadline := l.now().Add(d)
	l.mu.Lock()
	l.nextRun = deadline
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.nextRun = time.Time{}
		l.mu.Unlock()
	}()

	logger.Infof("[engine] next cycle at %s", deadline.Format(time.RFC3339))
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(l.opts.CountdownLog)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ticker.C:
			logger.Debugf("[engine] next cycle in %s", time.Until(deadline).Round(time.Second))
		}
	}
}

// RunOnce runs a single cycle. Per-symbol failures are recorded in the
// report and never abort the cycle. Cancellation is honoured between
// symbols, never inside PlaceOrder.
func (l *Loop) RunOnce(ctx context.Context) (Report, error) {
	if !l.cycle.TryLock() {
		return Report{}, ErrCycleInProgress
	}
	defer l.cycle.Unlock()
	defer l.setState(StateIdle)

	timer := monitor.NewTimer(l.cycleHistogram())
	rep := Report{ID: id.New(), Mode: l.mode, StartedAt: l.now().UTC()}
	cyc := l.deps.Settings.Cycle(ctx)
	l.deps.Bus.Publish(events.EventCycleStarted, rep)
	logger.Infof("[engine] cycle %s started: top_n=%d max_loss=%.2f%%", rep.ID, cyc.TopN, cyc.MaxLossPct)

	l.setState(StateScanning)
	candidates, err := l.scan(ctx, &rep)
	if err != nil {
		rep.Error = err.Error()
		l.finish(ctx, &rep, timer)
		return rep, err
	}

	l.setState(StateScoring)
	rec, err := l.deps.Router.LoadCapital(ctx, l.mode)
	if err != nil {
		rep.Error = fmt.Sprintf("load capital: %v", err)
		l.finish(ctx, &rep, timer)
		return rep, fmt.Errorf("load capital: %w", err)
	}
	scored := l.score(ctx, candidates, rec, cyc)
	rep.Signals = len(scored)
	if len(scored) == 0 {
		logger.Infof("[engine] no tradable signals this cycle")
		l.finish(ctx, &rep, timer)
		return rep, nil
	}

	l.setState(StateRanking)
	ranked := rank(scored, cyc.TopN)
	rep.Ranked = len(ranked)

	dec := l.deps.Risk.Check(rec, cyc.MaxLossPct, l.closedToday(ctx))
	rep.Risk = &dec
	if !dec.Allowed {
		rep.Paused = true
		l.deps.Bus.Publish(events.EventRiskPaused, dec)
	} else {
		l.setState(StateExecuting)
		l.execute(ctx, ranked, &rep)
	}

	l.finish(ctx, &rep, timer)
	return rep, nil
}

func (l *Loop) cycleHistogram() *monitor.LatencyHistogram {
	if l.deps.Metrics == nil {
		return nil
	}
	return l.deps.Metrics.CycleLatency
}

func (l *Loop) scan(ctx context.Context, rep *Report) ([]signal.Signal, error) {
	symbols, err := l.deps.Symbols.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	rep.Symbols = len(symbols)

	var out []signal.Signal
	for i, sym := range symbols {
		if ctx.Err() != nil {
			rep.Interrupted = true
			break
		}
		if i > 0 {
			if err := l.sleep(ctx, l.opts.ScanPause); err != nil {
				rep.Interrupted = true
				break
			}
		}
		sig, err := l.deps.Signals.Analyze(ctx, sym)
		if err != nil {
			rep.ScanErrors++
			logger.Warnf("[engine] analyze %s: %v", sym, err)
			continue
		}
		if sig != nil {
			out = append(out, *sig)
		}
	}
	logger.Infof("[engine] scanned %d symbols, %d candidates", len(symbols), len(out))
	return out, nil
}

func (l *Loop) score(ctx context.Context, candidates []signal.Signal, rec db.CapitalRecord, cyc settings.Cycle) []signal.Signal {
	enrich := signal.EnrichConfig{
		DefaultLeverage: cyc.Leverage,
		DefaultMargin:   decimal.NewFromFloat(cyc.MarginUSDT),
	}
	out := make([]signal.Signal, 0, len(candidates))
	for _, c := range candidates {
		s, err := l.deps.Scorer.Score(ctx, c)
		if err != nil {
			logger.Warnf("[engine] score %s: %v", c.Symbol, err)
			continue
		}
		s = signal.Enrich(s, rec.Available, enrich)
		out = append(out, s)
		l.persistSignal(ctx, s)
		l.deps.Bus.Publish(events.EventSignalScored, s)
	}
	l.deps.Metrics.AddSignals(len(out))
	return out
}

func (l *Loop) persistSignal(ctx context.Context, s signal.Signal) {
	if l.deps.Store == nil {
		return
	}
	indicators, _ := json.Marshal(s.Indicators)
	row := db.Signal{
		ID:         id.New(),
		Symbol:     s.Symbol,
		Interval:   s.Interval,
		Side:       s.Side,
		Strategy:   s.Strategy,
		Score:      s.Score,
		Confidence: s.Confidence,
		Entry:      s.Entry,
		StopLoss:   s.StopLoss,
		TakeProfit: s.TakeProfit,
		Leverage:   s.Leverage,
		MarginUSDT: s.MarginUSDT,
		Indicators: string(indicators),
		CreatedAt:  l.now(),
	}
	if err := l.deps.Store.AddSignal(ctx, row); err != nil {
		logger.Warnf("[engine] persist signal %s: %v", s.Symbol, err)
	}
}

// rank sorts by score, highest first, and keeps the first topN.
func rank(signals []signal.Signal, topN int) []signal.Signal {
	out := append([]signal.Signal(nil), signals...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

func (l *Loop) closedToday(ctx context.Context) int {
	trades, err := l.deps.Router.ClosedTrades(ctx, l.mode)
	if err != nil {
		logger.Warnf("[engine] closed trades: %v", err)
		return 0
	}
	return l.deps.Risk.Metrics(trades, l.now()).DailyTrades
}

func (l *Loop) execute(ctx context.Context, ranked []signal.Signal, rep *Report) {
	for _, s := range ranked {
		if ctx.Err() != nil {
			rep.Interrupted = true
			return
		}
		out := Outcome{Symbol: s.Symbol, Side: s.Side, Score: s.Score}
		if err := s.Validate(); err != nil {
			out.Reason = string(order.ReasonInvalidOrder)
			out.Message = err.Error()
			l.record(rep, out)
			continue
		}

		res := l.deps.Router.PlaceOrder(ctx, requestFor(s))
		out.OrderID = res.OrderID
		out.Status = res.Status
		out.Reason = string(res.Reason)
		out.Message = res.Message
		out.Success = res.Success
		if res.Success {
			if err := validateResult(res); err != nil {
				out.Success = false
				out.Reason = string(order.ReasonInvalidOrder)
				out.Message = err.Error()
			}
		}
		l.record(rep, out)
	}
}

func (l *Loop) record(rep *Report, out Outcome) {
	l.deps.Metrics.IncOrders(out.Success)
	if out.Success {
		rep.Executed++
		logger.Infof("[engine] executed %s %s (score %.1f) order=%s", out.Side, out.Symbol, out.Score, out.OrderID)
	} else {
		rep.Failed++
		logger.Warnf("[engine] %s %s failed: %s %s", out.Side, out.Symbol, out.Reason, out.Message)
	}
	rep.Outcomes = append(rep.Outcomes, out)
}

func requestFor(s signal.Signal) order.Request {
	return order.Request{
		Symbol:     s.Symbol,
		Side:       s.Side,
		Type:       s.OrderType,
		Qty:        s.Qty,
		Price:      s.Entry,
		Leverage:   s.Leverage,
		StopLoss:   s.StopLoss,
		TakeProfit: s.TakeProfit,
		Strategy:   s.Strategy,
		Score:      s.Score,
	}
}

// validateResult checks a successful result carries what reporting needs.
func validateResult(r order.Result) error {
	var missing []string
	if r.Symbol == "" {
		missing = append(missing, "symbol")
	}
	if r.Side == "" {
		missing = append(missing, "side")
	}
	if !r.Qty.IsPositive() {
		missing = append(missing, "qty")
	}
	if !r.Price.IsPositive() {
		missing = append(missing, "price")
	}
	if r.OrderID == "" {
		missing = append(missing, "order_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("order result missing %v", missing)
	}
	return nil
}

// finish reports a cycle. It runs even when ctx was cancelled mid-cycle,
// so the orders already placed are still filled, persisted and announced.
func (l *Loop) finish(ctx context.Context, rep *Report, timer *monitor.Timer) {
	l.setState(StateReporting)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if l.mode == config.ModeVirtual && l.deps.Filler != nil {
		n, err := l.deps.Filler.MarkFilled(ctx)
		if err != nil {
			logger.Warnf("[engine] mark filled: %v", err)
		}
		rep.Filled = n
	}
	rep.FinishedAt = l.now().UTC()
	l.persistReport(ctx, *rep)
	l.notify(ctx, *rep)

	elapsed := timer.Stop()
	l.deps.Metrics.IncCycles()
	l.deps.Bus.Publish(events.EventCycleFinished, *rep)

	l.mu.Lock()
	r := *rep
	l.last = &r
	l.mu.Unlock()
	logger.Infof("[engine] cycle %s finished in %s: signals=%d executed=%d failed=%d paused=%v",
		rep.ID, elapsed.Round(time.Millisecond), rep.Signals, rep.Executed, rep.Failed, rep.Paused)
}

func (l *Loop) persistReport(ctx context.Context, rep Report) {
	if l.deps.Store == nil {
		return
	}
	payload, _ := json.Marshal(rep)
	row := db.Report{
		ID:         rep.ID,
		Mode:       rep.Mode,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Signals:    rep.Signals,
		Executed:   rep.Executed,
		Failed:     rep.Failed,
		Paused:     rep.Paused,
		Payload:    string(payload),
	}
	if err := l.deps.Store.AddReport(ctx, row); err != nil {
		logger.Warnf("[engine] persist report: %v", err)
	}
}

func (l *Loop) notify(ctx context.Context, rep Report) {
	if l.deps.Notifier == nil || (rep.Signals == 0 && rep.Error == "") {
		return
	}
	msg := notify.Message{
		Title:  fmt.Sprintf("Scan cycle (%s)", rep.Mode),
		Level:  notify.LevelInfo,
		Footer: rep.FinishedAt.Format("2006-01-02 15:04:05 UTC"),
		Lines: []string{
			fmt.Sprintf("Signals: %d, ranked: %d", rep.Signals, rep.Ranked),
			fmt.Sprintf("Executed: %d, failed: %d", rep.Executed, rep.Failed),
		},
	}
	switch {
	case rep.Error != "":
		msg.Level = notify.LevelWarn
		msg.Lines = append(msg.Lines, "Error: "+rep.Error)
	case rep.Paused:
		msg.Level = notify.LevelWarn
		msg.Lines = append(msg.Lines, "Paused: "+rep.Risk.Reason)
	case rep.Executed > 0:
		msg.Level = notify.LevelSuccess
	}
	for _, o := range rep.Outcomes {
		mark := "OK"
		if !o.Success {
			mark = "FAIL " + o.Reason
		}
		msg.Lines = append(msg.Lines, fmt.Sprintf("%s %s score %.1f: %s", o.Symbol, o.Side, o.Score, mark))
	}
	if err := l.deps.Notifier.Notify(ctx, msg); err != nil {
		logger.Warnf("[engine] notify: %v", err)
	}
}

// Housekeep settles resting virtual entry orders every FillInterval until
// ctx is done. In real mode there is nothing to settle and it just waits.
func (l *Loop) Housekeep(ctx context.Context) error {
	if l.mode != config.ModeVirtual || l.deps.Filler == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(l.opts.FillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := l.deps.Filler.MarkFilled(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Warnf("[engine] settle virtual orders: %v", err)
			}
			if n > 0 {
				logger.Infof("[engine] %d virtual orders filled", n)
			}
		}
	}
}
