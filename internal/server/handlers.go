package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/internal/modules/trading"
)

const (
	defaultTradeLimit  = 50
	maxTradeLimit      = 500
	defaultRegimeLimit = 30
)

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"service":        "trader",
		"uptime_seconds": int(s.clock.Now().Sub(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStrategyStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleStrategyStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SetEnabled(true); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) handleStrategyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SetEnabled(false); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Opportunities())
}

func (s *Server) handleWaitingList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.WaitingList())
}

func (s *Server) handleSellAllRebuy(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RequestSellAllRebuy(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"sell_all_rebuy": true})
}

func (s *Server) handleCancelSellAllRebuy(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelSellAllRebuy(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"sell_all_rebuy": false})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.settings.GetAll()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

type settingRequest struct {
	Value       string  `json:"value"`
	Description *string `json:"description,omitempty"`
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "setting key is required")
		return
	}

	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		s.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := s.settings.Set(key, req.Value, req.Description); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.events.Emit(events.SettingsUpdated, "settings", map[string]interface{}{
		"key":   key,
		"value": req.Value,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

type orderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
}

// handlePlaceOrder submits a manual order. The intent is forced, so the
// session gate is skipped; the executor still validates the order and
// the broker still applies its own trading-hours rules.
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	symbol := domain.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	var side domain.TradeSide
	switch strings.ToLower(strings.TrimSpace(req.Side)) {
	case "buy":
		side = domain.SideBuy
	case "sell":
		side = domain.SideSell
	default:
		s.writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	if req.Quantity <= 0 {
		s.writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}
	if req.Price < 0 {
		s.writeError(w, http.StatusBadRequest, "price must not be negative")
		return
	}

	result, err := s.executor.Execute(r.Context(), trading.OrderIntent{
		Symbol:   symbol,
		Side:     side,
		Quantity: req.Quantity,
		Price:    req.Price,
		Strategy: "manual",
		Force:    true,
	})
	if err != nil && result == nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := response{Success: result.Status == domain.OrderSuccess, Data: result}
	if !resp.Success {
		resp.Error = result.Message
	}
	s.write(w, http.StatusOK, resp)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultTradeLimit)
	if limit <= 0 || limit > maxTradeLimit {
		limit = defaultTradeLimit
	}

	var (
		trades []domain.Trade
		err    error
	)
	if symbol := domain.NormalizeSymbol(r.URL.Query().Get("symbol")); symbol != "" {
		trades, err = s.trades.BySymbol(symbol, limit)
	} else {
		trades, err = s.trades.History(limit)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	snap := s.portfolio.Current()
	if snap == nil {
		s.writeError(w, http.StatusNotFound, "no portfolio snapshot yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePortfolioSync(w http.ResponseWriter, r *http.Request) {
	snap, err := s.portfolio.Sync(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.regime.Current(r.Context()))
}

func (s *Server) handleRegimeHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultRegimeLimit)
	history, err := s.regime.History(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if history == nil {
		history = []domain.RegimeSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

// handleRebalanceRun forces the weekly rebalancer outside its cadence.
func (s *Server) handleRebalanceRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.rebalancer.Run(r.Context(), true)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRebalanceReport(w http.ResponseWriter, r *http.Request) {
	report := s.rebalancer.LastReport()
	if report.At.IsZero() {
		s.writeError(w, http.StatusNotFound, "rebalancer has not run yet")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	at := s.clock.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = parsed
	}
	s.writeJSON(w, http.StatusOK, s.hours.Statuses(at))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
