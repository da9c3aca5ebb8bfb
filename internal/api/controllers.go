package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"algotrader/internal/order"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
)

type placeOrderRequest struct {
	Symbol     string          `json:"symbol" binding:"required"`
	Side       string          `json:"side" binding:"required"`
	Type       string          `json:"order_type"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Leverage   int             `json:"leverage" binding:"gte=0,lte=125"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Strategy   string          `json:"strategy"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// queryMode reads ?mode=, defaulting to the process mode.
func (s *Server) queryMode(c *gin.Context) (config.Mode, bool) {
	raw := c.Query("mode")
	if raw == "" {
		return s.Engine.Status(c.Request.Context()).Mode, true
	}
	mode, err := config.ParseMode(raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_MODE", err.Error())
		return "", false
	}
	return mode, true
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status(c.Request.Context()))
}

func (s *Server) getCapital(c *gin.Context) {
	ctx := c.Request.Context()
	if strings.EqualFold(c.Query("mode"), "all") {
		snap, err := s.Engine.CapitalAll(ctx)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		c.JSON(http.StatusOK, snap)
		return
	}

	mode, ok := s.queryMode(c)
	if !ok {
		return
	}
	rec, err := s.Engine.Capital(ctx, mode)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "capital": rec})
}

func (s *Server) listTrades(c *gin.Context, closed bool) {
	mode, ok := s.queryMode(c)
	if !ok {
		return
	}
	list := s.Engine.OpenTrades
	if closed {
		list = s.Engine.ClosedTrades
	}
	trades, err := list(c.Request.Context(), mode)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if limit := queryLimit(c, 500, 5000); len(trades) > limit {
		trades = trades[:limit]
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "trades": trades})
}

func (s *Server) getOpenTrades(c *gin.Context)   { s.listTrades(c, false) }
func (s *Server) getClosedTrades(c *gin.Context) { s.listTrades(c, true) }

func (s *Server) getDailyPnL(c *gin.Context) {
	mode, ok := s.queryMode(c)
	if !ok {
		return
	}
	v, err := s.Engine.DailyPnL(c.Request.Context(), mode)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "daily_pnl": v})
}

func (s *Server) getStats(c *gin.Context) {
	mode, ok := s.queryMode(c)
	if !ok {
		return
	}
	st, err := s.Engine.Stats(c.Request.Context(), mode)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "stats": st})
}

func (s *Server) getRisk(c *gin.Context) {
	mode, ok := s.queryMode(c)
	if !ok {
		return
	}
	m, err := s.Engine.RiskMetrics(c.Request.Context(), mode)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "risk": m})
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Engine.Positions(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}

// resultStatus maps a failed result onto an HTTP status.
func resultStatus(res order.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Status == order.StatusNotFound:
		return http.StatusNotFound
	case res.Reason == order.ReasonTransportError:
		return http.StatusBadGateway
	case res.Reason == order.ReasonInternal:
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	res := s.Engine.PlaceOrder(c.Request.Context(), order.Request{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		Price:      req.Price,
		Leverage:   req.Leverage,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Strategy:   req.Strategy,
	})
	s.Metrics.IncOrders(res.Success)
	c.JSON(resultStatus(res), res)
}

func (s *Server) closePosition(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	res := s.Engine.ClosePosition(c.Request.Context(), symbol)
	c.JSON(resultStatus(res), res)
}

func (s *Server) getSettings(c *gin.Context) {
	vals, err := s.Settings.All(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, vals)
}

func (s *Server) putSettings(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil || len(body) == 0 {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "expected a JSON object of settings")
		return
	}
	values := make(map[string]string, len(body))
	for k, v := range body {
		switch t := v.(type) {
		case string:
			values[k] = t
		case float64:
			values[k] = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			respondError(c, http.StatusBadRequest, "INVALID_VALUE", "setting "+k+" must be a string or number")
			return
		}
	}
	ctx := c.Request.Context()
	if err := s.Settings.SetMany(ctx, values); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SETTING", err.Error())
		return
	}
	s.getSettings(c)
}

func (s *Server) resetSettings(c *gin.Context) {
	if err := s.Settings.Reset(c.Request.Context()); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	s.getSettings(c)
}
