package market

import (
	"context"
	"sort"
	"strings"

	"algotrader/internal/logger"
	"algotrader/pkg/exchanges/common"
)

// InstrumentSource lists the venue's instruments.
type InstrumentSource interface {
	Instruments(ctx context.Context) ([]common.Instrument, error)
}

// Universe decides which symbols a scan covers.
type Universe struct {
	instruments InstrumentSource
	tickers     TickerSource
	whitelist   []string
	maxSymbols  int
}

// NewUniverse builds a universe. A non-empty whitelist is used verbatim;
// otherwise every trading USDT perpetual is scanned, most liquid first when
// maxSymbols limits the count. tickers may be nil.
func NewUniverse(instruments InstrumentSource, tickers TickerSource, whitelist []string, maxSymbols int) *Universe {
	return &Universe{instruments: instruments, tickers: tickers, whitelist: whitelist, maxSymbols: maxSymbols}
}

// Symbols returns the symbols to scan this cycle.
func (u *Universe) Symbols(ctx context.Context) ([]string, error) {
	if len(u.whitelist) > 0 {
		return u.limit(append([]string(nil), u.whitelist...)), nil
	}
	insts, err := u.instruments.Instruments(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, inst := range insts {
		if inst.Trading() && strings.EqualFold(inst.QuoteCoin, "USDT") && strings.HasSuffix(inst.Symbol, "USDT") {
			out = append(out, inst.Symbol)
		}
	}
	sort.Strings(out)

	if u.maxSymbols > 0 && len(out) > u.maxSymbols && u.tickers != nil {
		ts, err := u.tickers.Tickers(ctx)
		if err != nil {
			logger.Warnf("[market] rank by turnover skipped: %v", err)
		} else {
			turnover := make(map[string]float64, len(ts))
			for _, t := range ts {
				turnover[t.Symbol], _ = t.Turnover24h.Float64()
			}
			sort.SliceStable(out, func(i, j int) bool { return turnover[out[i]] > turnover[out[j]] })
		}
	}
	return u.limit(out), nil
}

func (u *Universe) limit(s []string) []string {
	if u.maxSymbols > 0 && len(s) > u.maxSymbols {
		return s[:u.maxSymbols]
	}
	return s
}
