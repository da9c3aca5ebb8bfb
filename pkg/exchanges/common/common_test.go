package common

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFormatStep(t *testing.T) {
	tests := []struct {
		qty, step, want string
	}{
		{"1.2345", "0.01", "1.23"},
		{"1.2345", "0.001", "1.235"},
		{"1.2344", "0.001", "1.234"},
		{"1.2345", "1", "1"},
		{"1.6", "1", "2"},
		{"1.2345", "0.5", "1.0"},
		{"1.3", "0.5", "1.5"},
		{"0.0004", "0.001", "0.000"},
		{"42", "0.10", "42.0"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, FormatStep(d(tc.qty), d(tc.step)), "%s @ %s", tc.qty, tc.step)
	}
	assert.Equal(t, "1.2345", FormatStep(d("1.2345"), decimal.Zero))
}

func TestStepDecimals(t *testing.T) {
	assert.Equal(t, int32(3), StepDecimals(d("0.001")))
	assert.Equal(t, int32(1), StepDecimals(d("0.5")))
	assert.Equal(t, int32(0), StepDecimals(d("1")))
	assert.Equal(t, int32(0), StepDecimals(d("10")))
}

func TestInstrumentQuantize(t *testing.T) {
	inst := Instrument{Symbol: "BTCUSDT", Status: "Trading", QtyStep: d("0.001"), TickSize: d("0.10")}
	assert.True(t, inst.Trading())
	assert.Equal(t, "0.013", inst.QuantizeQty(d("0.0125")))
	assert.Equal(t, "65000.1", inst.QuantizePrice(d("65000.123")))
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusPartiallyFilled, ParseStatus("partiallyfilled"))
	assert.Equal(t, StatusCancelled, ParseStatus("PartiallyFilledCanceled"))
	assert.Equal(t, StatusUnknown, ParseStatus("weird"))
	assert.True(t, StatusNew.Confirmed())
	assert.True(t, StatusFilled.Confirmed())
	assert.False(t, StatusRejected.Confirmed())
	assert.False(t, StatusUnknown.Confirmed())
}

func TestFailure(t *testing.T) {
	var err error = &Failure{Kind: FailureRejected, Op: "place", Code: 110007, Msg: "ab not enough for new order"}
	wrapped := errors.Join(errors.New("ctx"), err)
	f, ok := AsFailure(wrapped)
	require.True(t, ok)
	assert.Equal(t, 110007, f.Code)
	assert.True(t, IsKind(wrapped, FailureRejected))
	assert.False(t, IsKind(wrapped, FailureTransport))
	assert.Contains(t, err.Error(), "110007")

	inner := errors.New("dial tcp: refused")
	tr := &Failure{Kind: FailureTransport, Op: "ticker", Err: inner}
	assert.ErrorIs(t, tr, inner)
}

func TestRateLimiterFromHeaders(t *testing.T) {
	rl := NewRateLimiter(10)
	h := http.Header{}
	h.Set(HeaderLimit, "10")
	h.Set(HeaderLimitStatus, "1")
	h.Set(HeaderLimitReset, strconv.FormatInt(time.Now().Add(time.Minute).UnixMilli(), 10))
	rl.UpdateFromHeader(h)

	used, limit, pct := rl.GetUsage()
	assert.Equal(t, 9, used)
	assert.Equal(t, 10, limit)
	assert.InDelta(t, 90.0, pct, 0.001)
	delay, wait := rl.ShouldDelay()
	assert.True(t, delay)
	assert.Greater(t, wait, time.Duration(0))

	rl.UpdateFromHeader(http.Header{})
	used, _, _ = rl.GetUsage()
	assert.Equal(t, 9, used, "empty headers are ignored")
}

func TestTimeSyncOffset(t *testing.T) {
	ts := NewTimeSync(func(context.Context) (int64, error) {
		return time.Now().Add(5 * time.Second).UnixMilli(), nil
	})
	assert.True(t, ts.Stale())
	require.NoError(t, ts.Sync(context.Background()))
	assert.InDelta(t, 5000, ts.Offset(), 200)
	assert.False(t, ts.Stale())

	bad := NewTimeSync(func(context.Context) (int64, error) { return 0, errors.New("down") })
	assert.Error(t, bad.Sync(context.Background()))
}
