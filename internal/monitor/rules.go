package monitor

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"algotrader/internal/events"
	"algotrader/internal/notify"
)

// rule turns one event payload into an alert. ok is false when the event
// does not warrant one.
type rule func(payload gjson.Result) (msg notify.Message, ok bool)

var rules = map[events.Event]rule{
	events.EventOrderRejected: func(p gjson.Result) (notify.Message, bool) {
		return notify.Message{
			Title: "Order rejected",
			Level: notify.LevelWarn,
			Lines: []string{
				fmt.Sprintf("%s %s", p.Get("symbol").String(), p.Get("side").String()),
				fmt.Sprintf("%s: %s", p.Get("reason").String(), p.Get("message").String()),
			},
		}, true
	},
	events.EventRiskPaused: func(p gjson.Result) (notify.Message, bool) {
		return notify.Message{
			Title: "Trading paused",
			Level: notify.LevelWarn,
			Lines: []string{p.Get("reason").String()},
		}, true
	},
	events.EventPositionClosed: func(p gjson.Result) (notify.Message, bool) {
		if !p.Get("liquidated").Bool() {
			return notify.Message{}, false
		}
		return notify.Message{
			Title: "Position liquidated",
			Level: notify.LevelWarn,
			Lines: []string{fmt.Sprintf("%s pnl %s", p.Get("symbol").String(), p.Get("pnl").String())},
		}, true
	},
}

// evaluate applies the rule registered for msg.Event.
func evaluate(msg events.Message) (notify.Message, bool) {
	r, ok := rules[msg.Event]
	if !ok {
		return notify.Message{}, false
	}
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return notify.Message{}, false
	}
	out, ok := r(gjson.ParseBytes(raw))
	if ok {
		out.Footer = msg.At.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	return out, ok
}
