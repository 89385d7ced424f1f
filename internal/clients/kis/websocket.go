package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
)

const (
	wsDialTimeout  = 20 * time.Second
	wsWriteTimeout = 10 * time.Second

	// Registration control plane has its own TPS limit.
	subscribeGap = 50 * time.Millisecond

	// Client-initiated keepalive.
	pingInterval = 30 * time.Second
	pingTimeout  = 20 * time.Second

	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// TickHandler receives every normalized realtime tick.
type TickHandler func(tick domain.RealtimeTick)

// approvalSource issues WebSocket session keys.
type approvalSource interface {
	ApprovalKey(ctx context.Context) (string, error)
}

// exchangeHinter maps a US symbol to its quote exchange code.
type exchangeHinter interface {
	ExchangeHint(symbol string) string
}

type feedSub struct {
	symbol string
	market domain.Market
	trID   string
	trKey  string
}

// Feed is the persistent realtime price connection. Subscriptions are
// remembered across reconnects; symbols registered while disconnected
// are flushed as soon as a connection is up.
type Feed struct {
	url        string
	approval   approvalSource
	hints      exchangeHinter
	domesticTR string
	overseasTR string
	handler    TickHandler
	events     *events.Manager
	log        zerolog.Logger

	mu           sync.RWMutex
	conn         *websocket.Conn
	connCtx      context.Context
	cancelFunc   context.CancelFunc
	approvalKey  string
	connected    bool
	reconnecting bool
	stopped      bool
	stopChan     chan struct{}
	subs         map[string]feedSub
}

// NewFeed wires the realtime feed. The TR IDs come from the routing
// table so live and simulated environments stay consistent.
func NewFeed(wsURL string, approval approvalSource, hints exchangeHinter, routes map[string]Route, handler TickHandler, em *events.Manager, log zerolog.Logger) (*Feed, error) {
	domestic, ok := routes[routeWSDomesticTick]
	if !ok {
		return nil, fmt.Errorf("no route registered for %s", routeWSDomesticTick)
	}
	overseas, ok := routes[routeWSOverseasTick]
	if !ok {
		return nil, fmt.Errorf("no route registered for %s", routeWSOverseasTick)
	}
	return &Feed{
		url:        wsURL,
		approval:   approval,
		hints:      hints,
		domesticTR: domestic.TRID,
		overseasTR: overseas.TRID,
		handler:    handler,
		events:     em,
		log:        log.With().Str("component", "realtime_feed").Logger(),
		stopChan:   make(chan struct{}),
		subs:       make(map[string]feedSub),
	}, nil
}

// Start dials the feed and begins reading. A failed first dial is not
// fatal; the reconnect loop keeps trying in the background.
func (f *Feed) Start() error {
	f.log.Info().Str("url", f.url).Msg("Starting realtime feed")

	if err := f.connect(); err != nil {
		f.log.Warn().Err(err).Msg("Initial feed connection failed, will retry in background")
		go f.reconnectLoop()
		return err
	}

	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readMessages(ctx)
	go f.pinger(ctx)
	return nil
}

// Stop closes the connection and halts reconnection.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	close(f.stopChan)
	return f.disconnect()
}

// IsConnected reports the current connection state.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Subscribe registers a symbol for realtime ticks. While disconnected
// the registration is remembered and flushed on the next connect.
func (f *Feed) Subscribe(symbol string, market domain.Market) error {
	sub := f.buildSub(symbol, market)

	f.mu.Lock()
	f.subs[sub.symbol] = sub
	conn := f.conn
	ctx := f.connCtx
	f.mu.Unlock()

	if conn == nil {
		f.log.Debug().Str("symbol", sub.symbol).Msg("Feed offline, subscription queued")
		return nil
	}
	return f.writeRegistration(ctx, conn, sub, "1")
}

// Unsubscribe removes a symbol from the feed.
func (f *Feed) Unsubscribe(symbol string) error {
	normalized := domain.NormalizeSymbol(symbol)

	f.mu.Lock()
	sub, ok := f.subs[normalized]
	delete(f.subs, normalized)
	conn := f.conn
	ctx := f.connCtx
	f.mu.Unlock()

	if !ok || conn == nil {
		return nil
	}
	return f.writeRegistration(ctx, conn, sub, "2")
}

// SubscribedSymbols returns the remembered registrations.
func (f *Feed) SubscribedSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	symbols := make([]string, 0, len(f.subs))
	for symbol := range f.subs {
		symbols = append(symbols, symbol)
	}
	return symbols
}

func (f *Feed) buildSub(symbol string, market domain.Market) feedSub {
	normalized := domain.NormalizeSymbol(symbol)
	sub := feedSub{symbol: normalized, market: market}
	if market == domain.MarketKR {
		sub.trID = f.domesticTR
		sub.trKey = normalized
		return sub
	}
	excd := "NAS"
	if f.hints != nil {
		excd = f.hints.ExchangeHint(normalized)
	}
	sub.trID = f.overseasTR
	// Delayed-feed keys are D + exchange + symbol, e.g. DNASAAPL.
	sub.trKey = "D" + excd + normalized
	return sub
}

func (f *Feed) connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), wsDialTimeout)
	defer dialCancel()

	approvalKey, err := f.approval.ApprovalKey(dialCtx)
	if err != nil {
		return fmt.Errorf("failed to obtain approval key: %w", err)
	}

	conn, _, err := websocket.Dial(dialCtx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true
	f.approvalKey = approvalKey

	subs := make([]feedSub, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}

	// Flush remembered registrations outside the send path of callers,
	// paced to stay under the control-plane TPS cap.
	go func() {
		for _, sub := range subs {
			if err := f.writeRegistration(connCtx, conn, sub, "1"); err != nil {
				f.log.Warn().Err(err).Str("symbol", sub.symbol).Msg("Resubscribe failed")
				return
			}
			select {
			case <-connCtx.Done():
				return
			case <-time.After(subscribeGap):
			}
		}
		if len(subs) > 0 {
			f.log.Info().Int("count", len(subs)).Msg("Resubscribed realtime symbols")
		}
	}()

	if f.events != nil {
		f.events.Emit(events.FeedConnected, "realtime_feed", map[string]interface{}{
			"subscriptions": len(subs),
		})
	}
	f.log.Info().Msg("Realtime feed connected")
	return nil
}

func (f *Feed) disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}
	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}
	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.connCtx = nil
	f.connected = false
	if err != nil {
		return fmt.Errorf("error closing feed: %w", err)
	}
	return nil
}

func (f *Feed) writeRegistration(ctx context.Context, conn *websocket.Conn, sub feedSub, trType string) error {
	f.mu.RLock()
	approvalKey := f.approvalKey
	f.mu.RUnlock()

	msg := wsRequest{}
	msg.Header.ApprovalKey = approvalKey
	msg.Header.Custtype = "P"
	msg.Header.TrType = trType
	msg.Header.ContentType = "utf-8"
	msg.Body.Input.TrID = sub.trID
	msg.Body.Input.TrKey = sub.trKey

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send registration for %s: %w", sub.symbol, err)
	}
	f.log.Debug().Str("symbol", sub.symbol).Str("tr_id", sub.trID).Str("tr_type", trType).Msg("Registration sent")
	return nil
}

func (f *Feed) readMessages(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if f.events != nil {
			f.events.Emit(events.FeedDisconnected, "realtime_feed", nil)
		}
		if !stopped {
			_ = f.disconnect()
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				f.log.Info().Int("status", int(status)).Msg("Feed closed normally")
			} else if ctx.Err() == nil {
				f.log.Error().Err(err).Msg("Feed read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		f.handleFrame(string(message))
	}
}

// handleFrame dispatches one inbound frame. Frames that do not start
// with '0' or '1' are control traffic (subscription ACKs, PINGPONG) and
// are dropped.
func (f *Feed) handleFrame(frame string) {
	if len(frame) == 0 {
		return
	}
	if frame[0] != '0' && frame[0] != '1' {
		f.log.Debug().Str("frame", truncateFrame(frame)).Msg("Ignoring control frame")
		return
	}

	ticks, err := parseRealtimeFrame(frame, f.domesticTR, f.overseasTR)
	if err != nil {
		f.log.Warn().Err(err).Str("frame", truncateFrame(frame)).Msg("Failed to parse realtime frame")
		return
	}
	if f.handler == nil {
		return
	}
	for _, tick := range ticks {
		f.handler(tick)
	}
}

func (f *Feed) pinger(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopChan:
			return
		case <-ticker.C:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil {
			f.log.Warn().Err(err).Msg("Feed ping failed, dropping connection")
			f.mu.RLock()
			cancelFunc := f.cancelFunc
			f.mu.RUnlock()
			if cancelFunc != nil {
				cancelFunc()
			}
			return
		}
	}
}

// reconnectLoop retries with exponential backoff capped at 60s. The
// delay resets to its floor after every successful connect.
func (f *Feed) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	delay := minReconnectDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-f.stopChan:
			return
		case <-time.After(delay):
		}

		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if stopped {
			return
		}

		if err := f.connect(); err != nil {
			f.log.Warn().Err(err).Int("attempt", attempt).Dur("next_delay", delay).Msg("Feed reconnect failed")
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		f.log.Info().Int("attempt", attempt).Msg("Feed reconnected")
		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readMessages(ctx)
		go f.pinger(ctx)
		return
	}
}

func truncateFrame(frame string) string {
	if len(frame) > 120 {
		return frame[:120] + "..."
	}
	return frame
}

type wsRequest struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		Custtype    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}
