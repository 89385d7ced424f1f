package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hantuquant/trader/internal/config"
	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/modules/settings"
)

const (
	defaultRateInterval = 550 * time.Millisecond

	// Throttled calls back off linearly: 1.2s, 2.4s, 3.6s.
	maxAttempts = 4
	backoffUnit = 1200 * time.Millisecond

	throttleCode   = "EGW00201"
	throttleKorean = "초당 거래건수"

	balanceTimeout = 8 * time.Second
	orderTimeout   = 10 * time.Second
	quoteTimeout   = 5 * time.Second
)

// runtimeSettings is the slice of the settings service the adapter
// consults at call time.
type runtimeSettings interface {
	GetBool(key string, defaultValue bool) bool
	GetString(key, defaultValue string) string
}

// Client is the Korea Investment & Securities OpenAPI adapter. One
// instance serves the whole process: a single rate limiter spaces every
// REST request, and the token manager owns OAuth state.
type Client struct {
	http      *resty.Client
	limiter   *rate.Limiter
	tokens    *tokenManager
	routes    map[string]Route
	settings  runtimeSettings
	clock     domain.Clock
	seoul     *time.Location
	appKey    string
	appSecret string
	cano      string
	prdtCode  string
	simulated bool
	log       zerolog.Logger

	balanceMu    sync.RWMutex
	lastDomestic *domain.DomesticBalance
	lastOverseas *domain.OverseasBalance

	exchangeMu sync.RWMutex
	exchanges  map[string]string // symbol -> quote exchange code (NAS/NYS/AMS)
}

var _ domain.BrokerClient = (*Client)(nil)

// NewClient builds the adapter from config, the loaded routing table,
// and the settings service (nil settings falls back to defaults).
func NewClient(cfg *config.Config, routes map[string]Route, st runtimeSettings, clock domain.Clock, log zerolog.Logger) (*Client, error) {
	cano, prdtCode, err := config.SplitAccountNo(cfg.AccountNo)
	if err != nil {
		return nil, err
	}
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return nil, fmt.Errorf("failed to load Seoul timezone: %w", err)
	}
	if clock == nil {
		clock = domain.RealClock{}
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	limiter := rate.NewLimiter(rate.Every(defaultRateInterval), 1)

	tokenRoute, ok := routes[routeToken]
	if !ok {
		return nil, fmt.Errorf("no route registered for %s", routeToken)
	}

	c := &Client{
		http:      httpClient,
		limiter:   limiter,
		routes:    routes,
		settings:  st,
		clock:     clock,
		seoul:     seoul,
		appKey:    cfg.AppKey,
		appSecret: cfg.AppSecret,
		cano:      cano,
		prdtCode:  prdtCode,
		simulated: cfg.Simulated,
		log:       log.With().Str("client", "kis").Logger(),
		exchanges: make(map[string]string),
	}
	c.tokens = newTokenManager(httpClient, limiter, tokenRoute.Path, cfg.AppKey, cfg.AppSecret, cfg.TokenCachePath(), log)
	return c, nil
}

// GetAccessToken exposes the cached OAuth token.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	return c.tokens.AccessToken(ctx)
}

// ApprovalKey fetches a WebSocket session approval key. The feed calls
// this on every (re)connect; the broker does not cache these.
func (c *Client) ApprovalKey(ctx context.Context) (string, error) {
	route, ok := c.routes[routeApproval]
	if !ok {
		return "", fmt.Errorf("no route registered for %s", routeApproval)
	}

	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var out approvalResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.appKey,
			"secretkey":  c.appSecret,
		}).
		SetResult(&out).
		Post(route.Path)
	if err != nil {
		return "", fmt.Errorf("approval key request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || out.ApprovalKey == "" {
		return "", fmt.Errorf("approval key rejected: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.ApprovalKey, nil
}

// invoke performs one named REST call with rate limiting, throttle
// retries, and a single token refresh on 401. The decoded body lands in
// out; business rejections (rt_cd != "0") are the caller's to map.
func (c *Client) invoke(ctx context.Context, routeName string, params map[string]string, body interface{}, out apiReply) error {
	route, ok := c.routes[routeName]
	if !ok {
		return fmt.Errorf("no route registered for %s", routeName)
	}

	var refreshed bool
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain access token: %w", err)
		}

		req := c.http.R().
			SetContext(ctx).
			SetHeader("authorization", "Bearer "+token).
			SetHeader("appkey", c.appKey).
			SetHeader("appsecret", c.appSecret).
			SetHeader("tr_id", route.TRID).
			SetHeader("custtype", "P")
		if len(params) > 0 {
			req.SetQueryParams(params)
		}
		if body != nil {
			req.SetBody(body)
		}

		resp, err := req.Execute(route.Method, route.Path)
		if err != nil {
			if attempt >= maxAttempts {
				return fmt.Errorf("%s: %w", routeName, err)
			}
			c.log.Warn().Err(err).Str("route", routeName).Int("attempt", attempt).Msg("Broker request failed, retrying")
			if err := sleepCtx(ctx, backoffFor(attempt)); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode() == http.StatusUnauthorized && !refreshed {
			refreshed = true
			c.tokens.Invalidate()
			c.log.Warn().Str("route", routeName).Msg("Access token rejected, refreshing once")
			continue
		}

		decodeErr := json.Unmarshal(resp.Body(), out)

		if isThrottled(resp.StatusCode(), out, decodeErr) {
			if attempt >= maxAttempts {
				return fmt.Errorf("%s: throttled after %d attempts: %s", routeName, attempt, out.message())
			}
			delay := backoffFor(attempt)
			c.log.Warn().
				Str("route", routeName).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Broker rate limit hit, backing off")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue
		}

		if !resp.IsSuccess() {
			return fmt.Errorf("%s: status %d: %s", routeName, resp.StatusCode(), resp.String())
		}
		if decodeErr != nil {
			return fmt.Errorf("%s: failed to decode response: %w", routeName, decodeErr)
		}
		return nil
	}
}

// isThrottled detects the broker's TPS limit: HTTP 429/5xx, the
// EGW00201 business code, or its Korean message fragment.
func isThrottled(status int, out apiReply, decodeErr error) bool {
	if status == http.StatusTooManyRequests || status >= 500 {
		return true
	}
	if decodeErr != nil {
		return false
	}
	return out.messageCode() == throttleCode || strings.Contains(out.message(), throttleKorean)
}

func backoffFor(attempt int) time.Duration {
	return time.Duration(attempt) * backoffUnit
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) afterHoursEnabled() bool {
	if c.settings == nil {
		return false
	}
	return c.settings.GetBool(settings.KeyAfterHoursEnabled, false)
}

func (c *Client) afterHoursOrdDvsn() string {
	if c.settings == nil {
		return "81"
	}
	return c.settings.GetString(settings.KeyAfterHoursOrdDvsn, "81")
}

// inAfterHoursWindow reports whether Seoul wall-clock time is inside
// the 15:40-18:00 weekday after-hours session.
func (c *Client) inAfterHoursWindow() bool {
	now := c.clock.Now().In(c.seoul)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= 15*60+40 && minutes < 18*60
}

// LastDomesticBalance returns the memoized last good domestic snapshot,
// or nil before the first success.
func (c *Client) LastDomesticBalance() *domain.DomesticBalance {
	c.balanceMu.RLock()
	defer c.balanceMu.RUnlock()
	return c.lastDomestic
}

// LastOverseasBalance returns the memoized last good overseas snapshot.
func (c *Client) LastOverseasBalance() *domain.OverseasBalance {
	c.balanceMu.RLock()
	defer c.balanceMu.RUnlock()
	return c.lastOverseas
}

func (c *Client) rememberDomestic(b *domain.DomesticBalance) {
	c.balanceMu.Lock()
	c.lastDomestic = b
	c.balanceMu.Unlock()
}

func (c *Client) rememberOverseas(b *domain.OverseasBalance) {
	c.balanceMu.Lock()
	c.lastOverseas = b
	c.balanceMu.Unlock()
}

// ExchangeHint returns the best known quote exchange code for a US
// symbol, defaulting to NASDAQ. Hints accumulate from balance rows and
// successful quotes.
func (c *Client) ExchangeHint(symbol string) string {
	c.exchangeMu.RLock()
	defer c.exchangeMu.RUnlock()
	if excd, ok := c.exchanges[symbol]; ok {
		return excd
	}
	return "NAS"
}

func (c *Client) rememberExchange(symbol, excd string) {
	if excd == "" {
		return
	}
	c.exchangeMu.Lock()
	c.exchanges[symbol] = excd
	c.exchangeMu.Unlock()
}

// exchangeCandidates orders the quote exchanges to probe for a symbol,
// best hint first.
func (c *Client) exchangeCandidates(symbol string) []string {
	hint := c.ExchangeHint(symbol)
	candidates := []string{hint}
	for _, excd := range []string{"NAS", "NYS", "AMS"} {
		if excd != hint {
			candidates = append(candidates, excd)
		}
	}
	return candidates
}

// orderExchangeCode maps a quote exchange code to the order-path code.
func orderExchangeCode(excd string) string {
	switch excd {
	case "NYS":
		return "NYSE"
	case "AMS":
		return "AMEX"
	default:
		return "NASD"
	}
}
