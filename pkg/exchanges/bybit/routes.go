package bybit

import "net/http"

// Op names one exchange call.
type Op int

const (
	OpPlace Op = iota + 1
	OpAmend
	OpCancel
	OpQueryStatus
	OpQueryBalance
	OpQueryInstrument
	OpListInstruments
	OpQueryTicker
	OpQueryKline
	OpServerTime
	OpSetLeverage
	OpListPositions
)

var opNames = map[Op]string{
	OpPlace:           "place",
	OpAmend:           "amend",
	OpCancel:          "cancel",
	OpQueryStatus:     "query_status",
	OpQueryBalance:    "query_balance",
	OpQueryInstrument: "query_instrument",
	OpListInstruments: "list_instruments",
	OpQueryTicker:     "query_ticker",
	OpQueryKline:      "query_kline",
	OpServerTime:      "server_time",
	OpSetLeverage:     "set_leverage",
	OpListPositions:   "list_positions",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "unknown"
}

type route struct {
	method string
	path   string
	signed bool
}

var routes = map[Op]route{
	OpPlace:           {http.MethodPost, "/v5/order/create", true},
	OpAmend:           {http.MethodPost, "/v5/order/amend", true},
	OpCancel:          {http.MethodPost, "/v5/order/cancel", true},
	OpQueryStatus:     {http.MethodGet, "/v5/order/realtime", true},
	OpQueryBalance:    {http.MethodGet, "/v5/account/wallet-balance", true},
	OpQueryInstrument: {http.MethodGet, "/v5/market/instruments-info", false},
	OpListInstruments: {http.MethodGet, "/v5/market/instruments-info", false},
	OpQueryTicker:     {http.MethodGet, "/v5/market/tickers", false},
	OpQueryKline:      {http.MethodGet, "/v5/market/kline", false},
	OpServerTime:      {http.MethodGet, "/v5/market/time", false},
	OpSetLeverage:     {http.MethodPost, "/v5/position/set-leverage", true},
	OpListPositions:   {http.MethodGet, "/v5/position/list", true},
}
