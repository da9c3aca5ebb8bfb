// Package bybit is the Bybit v5 adapter for USDT perpetuals.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"algotrader/internal/logger"
	"algotrader/pkg/exchanges/common"
)

const (
	DefaultBaseURL = "https://api.bybit.com"
	TestnetBaseURL = "https://api-testnet.bybit.com"
)

// Config holds Bybit credentials and transport knobs.
type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	RecvWindow int64 // ms
	// RequestsPerSecond paces outgoing calls client-side.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	pacer       *rate.Limiter
	rateLimiter *common.RateLimiter
	timeSync    *common.TimeSync

	instMu      sync.RWMutex
	instruments map[string]common.Instrument
	group       singleflight.Group
}

var (
	_ common.Gateway    = (*Client)(nil)
	_ common.MarketData = (*Client)(nil)
)

// New creates a client. Public market calls work without credentials.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		cfg:         cfg,
		httpClient:  hc,
		pacer:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		rateLimiter: common.NewRateLimiter(600),
		instruments: make(map[string]common.Instrument),
	}
	c.timeSync = common.NewTimeSync(c.ServerTime)
	return c
}

// Start keeps the local clock aligned with the exchange until ctx ends.
func (c *Client) Start(ctx context.Context) { c.timeSync.Start(ctx) }

// HasCredentials reports whether signed calls can be made.
func (c *Client) HasCredentials() bool { return c.cfg.APIKey != "" && c.cfg.APISecret != "" }

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// sign is HMAC-SHA256 over timestamp + key + recvWindow + payload.
func sign(secret string, ts int64, key string, recvWindow int64, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + key + strconv.FormatInt(recvWindow, 10) + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// send performs one call and returns its "result" object. Any error is a
// *common.Failure and the result is then empty.
func (c *Client) send(ctx context.Context, op Op, params map[string]any) (gjson.Result, error) {
	rt, ok := routes[op]
	if !ok {
		return gjson.Result{}, &common.Failure{Kind: common.FailureProtocol, Op: op.String(), Msg: "no route"}
	}
	fail := func(kind common.FailureKind, code int, msg string, err error) (gjson.Result, error) {
		f := &common.Failure{Kind: kind, Op: op.String(), Code: code, Msg: msg, Err: err}
		if kind == common.FailureRejected {
			logger.Warnf("[bybit] %v", f)
		} else {
			logger.Errorf("[bybit] %v", f)
		}
		return gjson.Result{}, f
	}

	if rt.signed && !c.HasCredentials() {
		return fail(common.FailureRejected, 0, "api key/secret required", nil)
	}
	if delay, wait := c.rateLimiter.ShouldDelay(); delay && wait > 0 {
		logger.Warnf("[bybit] quota nearly exhausted, waiting %s", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fail(common.FailureTransport, 0, "", ctx.Err())
		case <-t.C:
		}
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return fail(common.FailureTransport, 0, "", err)
	}

	var (
		req     *http.Request
		payload string
		err     error
	)
	endpoint := c.cfg.BaseURL + rt.path
	switch rt.method {
	case http.MethodGet:
		q := url.Values{}
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		payload = q.Encode()
		if payload != "" {
			endpoint += "?" + payload
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	default:
		body, merr := json.Marshal(params)
		if merr != nil {
			return fail(common.FailureProtocol, 0, "encode request", merr)
		}
		payload = string(body)
		req, err = http.NewRequestWithContext(ctx, rt.method, endpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return fail(common.FailureProtocol, 0, "build request", err)
	}
	if rt.signed {
		ts := c.now()
		req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(ts, 10))
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.FormatInt(c.cfg.RecvWindow, 10))
		req.Header.Set("X-BAPI-SIGN", sign(c.cfg.APISecret, ts, c.cfg.APIKey, c.cfg.RecvWindow, payload))
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fail(common.FailureTransport, 0, "", err)
	}
	defer res.Body.Close()
	c.rateLimiter.UpdateFromHeader(res.Header)

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fail(common.FailureTransport, 0, "", err)
	}
	if res.StatusCode >= 500 {
		return fail(common.FailureTransport, res.StatusCode, fmt.Sprintf("status %d: %s", res.StatusCode, truncate(body)), nil)
	}
	if !gjson.ValidBytes(body) {
		return fail(common.FailureProtocol, res.StatusCode, fmt.Sprintf("non-JSON response (status %d): %s", res.StatusCode, truncate(body)), nil)
	}
	doc := gjson.ParseBytes(body)
	code := doc.Get("retCode")
	if !code.Exists() {
		return fail(common.FailureProtocol, res.StatusCode, "missing retCode: "+truncate(body), nil)
	}
	if code.Int() != 0 {
		return fail(common.FailureRejected, int(code.Int()), doc.Get("retMsg").String(), nil)
	}
	return doc.Get("result"), nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// ServerTime returns exchange time in ms.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	res, err := c.send(ctx, OpServerTime, nil)
	if err != nil {
		return 0, err
	}
	if nano := res.Get("timeNano").Int(); nano > 0 {
		return nano / int64(time.Millisecond), nil
	}
	if sec := res.Get("timeSecond").Int(); sec > 0 {
		return sec * 1000, nil
	}
	return 0, &common.Failure{Kind: common.FailureProtocol, Op: OpServerTime.String(), Msg: "no time in result"}
}
