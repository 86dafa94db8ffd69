package polymarket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	streamStaleThreshold = 2 * time.Minute
)

// PricePoint is the stream's view of one outcome token.
type PricePoint struct {
	AssetID   string
	Bid       float64
	Ask       float64
	Mid       float64
	Last      float64
	UpdatedAt time.Time
}

// PriceFunc receives every price update from the stream.
type PriceFunc func(PricePoint)

// PriceStream subscribes to the CLOB market channel and keeps a live
// bid/ask cache for the tokens it watches.
type PriceStream struct {
	url        string
	httpClient *http.Client
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	onPrice PriceFunc
	log     zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	assetIDs []string

	priceCache map[string]PricePoint
	lastUpdate time.Time
	cacheMu    sync.RWMutex
}

// newHTTP1Client forces HTTP/1.1. Cloudflare negotiates HTTP/2 via ALPN,
// but the WebSocket upgrade requires HTTP/1.1.
func newHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewPriceStream creates a stream client for the given asset ids.
// onPrice may be nil; the cache is maintained either way.
func NewPriceStream(url string, assetIDs []string, onPrice PriceFunc, log zerolog.Logger) *PriceStream {
	if url == "" {
		url = defaultWSURL
	}
	return &PriceStream{
		url:        url,
		httpClient: newHTTP1Client(),
		onPrice:    onPrice,
		log:        log.With().Str("component", "polymarket_stream").Logger(),
		stopChan:   make(chan struct{}),
		assetIDs:   assetIDs,
		priceCache: make(map[string]PricePoint),
	}
}

// Start connects and begins the read loop. A failed initial connection
// falls back to background reconnection.
func (ws *PriceStream) Start() error {
	ws.log.Info().Int("assets", len(ws.assetIDs)).Msg("Starting price stream")

	if err := ws.Connect(); err != nil {
		ws.log.Warn().Err(err).Msg("Initial stream connection failed, will retry in background")
		go ws.reconnectLoop()
		return err
	}

	ws.mu.RLock()
	ctx := ws.connCtx
	ws.mu.RUnlock()
	go ws.readMessages(ctx)
	return nil
}

// Stop shuts the stream down for good.
func (ws *PriceStream) Stop() error {
	ws.mu.Lock()
	if ws.stopped {
		ws.mu.Unlock()
		return nil
	}
	ws.stopped = true
	ws.mu.Unlock()

	close(ws.stopChan)
	return ws.Disconnect()
}

// Connect dials the endpoint and subscribes to the configured assets.
func (ws *PriceStream) Connect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, ws.url, &websocket.DialOptions{
		HTTPClient: ws.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial stream: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	ws.conn = conn
	ws.connCtx = connCtx
	ws.cancelFunc = connCancel
	ws.connected = true

	if err := ws.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		ws.conn = nil
		ws.connCtx = nil
		ws.cancelFunc = nil
		ws.connected = false
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ws.log.Info().Msg("Connected to market channel")
	return nil
}

// Disconnect closes the connection.
func (ws *PriceStream) Disconnect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.conn == nil {
		return nil
	}

	if ws.cancelFunc != nil {
		ws.cancelFunc()
		ws.cancelFunc = nil
	}

	err := ws.conn.Close(websocket.StatusNormalClosure, "")
	ws.conn = nil
	ws.connCtx = nil
	ws.connected = false

	if err != nil {
		return fmt.Errorf("error closing stream: %w", err)
	}
	return nil
}

// UpdateAssets replaces the watched set. An open connection is closed so
// the reconnect loop resubscribes with the new list.
func (ws *PriceStream) UpdateAssets(assetIDs []string) {
	ws.mu.Lock()
	ws.assetIDs = assetIDs
	conn := ws.conn
	ws.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "resubscribe")
	}
}

func (ws *PriceStream) subscribe(ctx context.Context) error {
	sub := struct {
		AssetIDs []string `json:"assets_ids"`
		Type     string   `json:"type"`
	}{AssetIDs: ws.assetIDs, Type: "market"}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := ws.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	return nil
}

func (ws *PriceStream) readMessages(ctx context.Context) {
	defer func() {
		ws.mu.RLock()
		stopped := ws.stopped
		ws.mu.RUnlock()
		if !stopped {
			go ws.reconnectLoop()
		}
	}()

	for {
		select {
		case <-ws.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		ws.mu.RLock()
		conn := ws.conn
		ws.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				ws.log.Info().Msg("Stream closed normally")
			} else if ctx.Err() == nil {
				ws.log.Error().Err(err).Msg("Stream read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := ws.handleMessage(message); err != nil {
			ws.log.Debug().Err(err).Msg("Failed to handle stream message")
		}
	}
}

// streamEvent covers the market-channel event shapes we care about.
type streamEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Bids      []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"asks"`
}

// handleMessage accepts both a single event object and an array of events.
func (ws *PriceStream) handleMessage(message []byte) error {
	var events []streamEvent
	if err := json.Unmarshal(message, &events); err != nil {
		var single streamEvent
		if err := json.Unmarshal(message, &single); err != nil {
			return fmt.Errorf("unrecognized message: %w", err)
		}
		events = []streamEvent{single}
	}

	for _, ev := range events {
		ws.handleEvent(ev)
	}
	return nil
}

func (ws *PriceStream) handleEvent(ev streamEvent) {
	if ev.AssetID == "" {
		return
	}

	ws.cacheMu.Lock()
	point := ws.priceCache[ev.AssetID]
	point.AssetID = ev.AssetID

	switch ev.EventType {
	case "book":
		// Best bid is the highest bid, best ask the lowest ask
		var bestBid, bestAsk float64
		for _, b := range ev.Bids {
			if p := parseDecimal(b.Price); p > bestBid {
				bestBid = p
			}
		}
		for _, a := range ev.Asks {
			p := parseDecimal(a.Price)
			if p > 0 && (bestAsk == 0 || p < bestAsk) {
				bestAsk = p
			}
		}
		point.Bid = bestBid
		point.Ask = bestAsk
		if bestBid > 0 && bestAsk > 0 {
			point.Mid = (bestBid + bestAsk) / 2
		}
	case "last_trade_price":
		point.Last = parseDecimal(ev.Price)
	default:
		ws.cacheMu.Unlock()
		return
	}

	point.UpdatedAt = time.Now()
	ws.priceCache[ev.AssetID] = point
	ws.lastUpdate = point.UpdatedAt
	ws.cacheMu.Unlock()

	if ws.onPrice != nil {
		ws.onPrice(point)
	}
}

func (ws *PriceStream) reconnectLoop() {
	ws.mu.Lock()
	if ws.reconnecting || ws.stopped {
		ws.mu.Unlock()
		return
	}
	ws.reconnecting = true
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		ws.reconnecting = false
		ws.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-ws.stopChan:
			return
		default:
		}

		ws.mu.RLock()
		stopped := ws.stopped
		ws.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := ws.calculateBackoff(attempt)
		if attempt > maxReconnectAttempts {
			ws.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Still reconnecting past max attempts")
		}

		select {
		case <-time.After(delay):
		case <-ws.stopChan:
			return
		}

		if err := ws.Connect(); err != nil {
			ws.log.Error().Err(err).Int("attempt", attempt).Msg("Stream reconnection failed")
			continue
		}

		attempt = 0
		ws.mu.RLock()
		ctx := ws.connCtx
		ws.mu.RUnlock()
		go ws.readMessages(ctx)
		return
	}
}

func (ws *PriceStream) calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// Price returns the cached point for an asset id.
func (ws *PriceStream) Price(assetID string) (PricePoint, bool) {
	ws.cacheMu.RLock()
	defer ws.cacheMu.RUnlock()
	point, ok := ws.priceCache[assetID]
	return point, ok
}

// Prices returns a copy of the whole cache.
func (ws *PriceStream) Prices() map[string]PricePoint {
	ws.cacheMu.RLock()
	defer ws.cacheMu.RUnlock()
	out := make(map[string]PricePoint, len(ws.priceCache))
	for k, v := range ws.priceCache {
		out[k] = v
	}
	return out
}

// IsStale reports whether no update has arrived recently.
func (ws *PriceStream) IsStale() bool {
	ws.cacheMu.RLock()
	defer ws.cacheMu.RUnlock()
	if ws.lastUpdate.IsZero() {
		return true
	}
	return time.Since(ws.lastUpdate) > streamStaleThreshold
}

// IsConnected returns current connection status.
func (ws *PriceStream) IsConnected() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.connected
}
