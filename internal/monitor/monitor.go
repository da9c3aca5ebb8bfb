// Package monitor counts what the process does and raises alerts for
// events that need a human.
package monitor

import (
	"context"

	"algotrader/internal/events"
	"algotrader/internal/logger"
	"algotrader/internal/notify"
)

// Monitor watches the bus, updates Metrics and forwards alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Alerts  notify.Notifier
}

// Start subscribes and returns immediately; the watcher stops with ctx.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		logger.Warnf("[monitor] no event bus; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(64,
		events.EventCycleFinished,
		events.EventOrderRejected,
		events.EventRiskPaused,
		events.EventPositionClosed,
	)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(ctx, msg)
			}
		}
	}()
}

func (m *Monitor) handle(ctx context.Context, msg events.Message) {
	switch msg.Event {
	case events.EventPositionClosed:
		m.Metrics.IncPositionsClosed()
	case events.EventRiskPaused:
		m.Metrics.IncRiskPauses()
	}

	alert, ok := evaluate(msg)
	if !ok || m.Alerts == nil {
		return
	}
	if err := m.Alerts.Notify(ctx, alert); err != nil {
		logger.Warnf("[monitor] alert %s: %v", msg.Event, err)
	}
}
