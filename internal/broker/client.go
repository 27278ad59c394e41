// Package broker is the connectivity layer's front door: one client that
// owns authentication, the rate-limited request pipeline, and the
// streaming session.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/lockerbot/gobroker/internal/broker/circuit"
	"github.com/lockerbot/gobroker/internal/broker/executor"
	"github.com/lockerbot/gobroker/internal/broker/stream"
	"github.com/lockerbot/gobroker/internal/broker/token"
	"github.com/lockerbot/gobroker/internal/broker/transport"
	"github.com/lockerbot/gobroker/internal/domain"
	"github.com/lockerbot/gobroker/pkg/cache"
	"github.com/lockerbot/gobroker/pkg/config"
	"github.com/lockerbot/gobroker/pkg/persistence"
	"github.com/lockerbot/gobroker/pkg/ratelimit"
	"github.com/lockerbot/gobroker/pkg/syncgroup"
)

var log = logrus.WithField("component", "broker")

// Client is the facade over the whole connectivity layer. All REST calls
// flow through the prioritized queue; market data and order updates arrive
// over the streaming session.
type Client struct {
	cfg *config.Config

	transport *transport.Client
	tokens    *token.Manager
	limiter   *ratelimit.TokenBucket
	breaker   *circuit.Breaker
	exec      *executor.Executor
	stream    *stream.Session

	history *cache.InMemoryCache[string, []domain.Candle]
	books   *cache.InMemoryCache[string, *domain.OrderBookSnapshot]

	connected bool
	mu        sync.Mutex

	cancel context.CancelFunc
	group  *syncgroup.SyncGroup
}

// Cached market reads stay fresh enough for analysis while keeping repeat
// calls off the rate limiter.
const (
	historyCacheTTL   = 30 * time.Second
	orderBookCacheTTL = time.Second
)

// New wires a client from configuration. Nothing connects until Connect.
func New(cfg *config.Config) *Client {
	tr := transport.NewClient(cfg.Broker.BaseURL, cfg.Broker.RequestTimeout)
	tokens := token.NewManager(tr, cfg.Token.RefreshMargin, cfg.Token.RetryInterval)
	if cfg.Broker.StateDir != "" {
		tokens.AttachStore(persistence.NewJSONFileService(cfg.Broker.StateDir).NewStore("session"))
	}
	limiter := ratelimit.NewTokenBucket(cfg.RateLimit.Rate, cfg.RateLimit.MaxTokens)
	breaker := circuit.NewBreaker(cfg.Circuit.ErrorThreshold, cfg.Circuit.ResetInterval)

	exec := executor.New(executor.Config{
		MaxRetries:        cfg.Retry.MaxRetries,
		BaseDelay:         cfg.Retry.BaseDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		Jitter:            cfg.Retry.Jitter,
		Max429Wait:        cfg.Retry.Max429Wait,
		DefaultRetryAfter: cfg.Retry.DefaultRetry,
	}, tr, limiter, breaker, tokens, cfg.Queue.Capacity)

	sess := stream.New(stream.Config{
		URL:               cfg.Broker.StreamURL,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		LivenessTimeout:   cfg.Stream.LivenessTimeout,
		ReconnectMinDelay: cfg.Stream.ReconnectMinDelay,
		ReconnectMaxDelay: cfg.Stream.ReconnectMaxDelay,
		HandshakeTimeout:  cfg.Stream.HandshakeTimeout,
	}, tokens)

	return &Client{
		cfg:       cfg,
		transport: tr,
		tokens:    tokens,
		limiter:   limiter,
		breaker:   breaker,
		exec:      exec,
		stream:    sess,
		history:   cache.NewInMemoryCache[string, []domain.Candle](historyCacheTTL),
		books:     cache.NewInMemoryCache[string, *domain.OrderBookSnapshot](orderBookCacheTTL),
	}
}

// Connect logs in, starts the request pipeline and token scheduler, and
// opens the streaming session. On any failure everything started so far is
// torn down and the client stays disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}

	creds := token.Credentials{
		APIKey:    c.cfg.Broker.APIKey,
		APISecret: c.cfg.Broker.APISecret,
	}
	if err := c.tokens.Login(ctx, creds); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group = syncgroup.NewSyncGroup()

	c.group.Go(func() { c.exec.Run(runCtx) })
	c.group.Go(func() { c.tokens.RunScheduler(runCtx) })

	if err := c.stream.Start(runCtx); err != nil {
		cancel()
		c.group.Wait()
		c.tokens.Clear()
		return err
	}

	c.connected = true
	log.Info("connected to broker")
	return nil
}

// Disconnect stops the stream, drains the pipeline, and forgets the token.
// Safe to call when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	c.connected = false

	c.stream.Stop()
	c.cancel()
	c.group.Wait()
	c.tokens.Clear()

	log.Info("disconnected from broker")
}

// IsConnected reports whether Connect has succeeded without a later
// Disconnect.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) ensureConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.ErrNotConnected
	}
	return nil
}

// PlaceOrder submits a new order at the highest queue priority.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	var order domain.Order
	err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodPost,
		Endpoint: "/orders",
		Body:     req,
		Priority: executor.PriorityOrder,
	}, &order)
	if err != nil {
		return nil, err
	}
	log.Infof("placed %s %s order for %s %s", order.Side, order.Type, order.Size, order.Symbol)
	return &order, nil
}

// CancelOrder cancels a working order at the highest queue priority.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodDelete,
		Endpoint: "/orders/" + orderID,
		Priority: executor.PriorityOrder,
	}, nil)
	if err != nil {
		return err
	}
	log.Infof("canceled order %s", orderID)
	return nil
}

// GetOrder fetches the broker's current record of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	var order domain.Order
	err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		Endpoint: "/orders/" + orderID,
		Priority: executor.PriorityAccount,
	}, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetAccountInfo fetches balance, equity, and margin for the account.
func (c *Client) GetAccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	var info domain.AccountInfo
	err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		Endpoint: "/account/info",
		Priority: executor.PriorityAccount,
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetPositions fetches all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	var resp struct {
		Positions []domain.Position `json:"positions"`
	}
	err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		Endpoint: "/positions",
		Priority: executor.PriorityAccount,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// historyCandle is the wire form of one bar; timestamps arrive as epoch
// milliseconds.
type historyCandle struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// GetHistory fetches up to limit historical candles for a symbol.
func (c *Client) GetHistory(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	cacheKey := fmt.Sprintf("%s|%s|%d", symbol, timeframe, limit)
	if candles, ok := c.history.Get(cacheKey); ok {
		return candles, nil
	}

	var resp struct {
		Data []historyCandle `json:"data"`
	}
	err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		Endpoint: "/market/history",
		Query: map[string]string{
			"symbol":    symbol,
			"timeframe": timeframe,
			"limit":     fmt.Sprintf("%d", limit),
		},
		Priority: executor.PriorityMarket,
	}, &resp)
	if err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(resp.Data))
	for _, raw := range resp.Data {
		candles = append(candles, domain.Candle{
			Timestamp: time.UnixMilli(raw.Timestamp),
			Open:      raw.Open,
			High:      raw.High,
			Low:       raw.Low,
			Close:     raw.Close,
			Volume:    raw.Volume,
		})
	}
	c.history.Set(cacheKey, candles, 0)
	return candles, nil
}

// GetOrderBook fetches the current book for a symbol. The broker sends
// levels as [price, size] pairs.
func (c *Client) GetOrderBook(ctx context.Context, symbol string) (*domain.OrderBookSnapshot, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	if book, ok := c.books.Get(symbol); ok {
		return book, nil
	}

	var resp struct {
		Bids      [][]decimal.Decimal `json:"bids"`
		Asks      [][]decimal.Decimal `json:"asks"`
		Timestamp int64               `json:"timestamp"`
	}
	err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		Endpoint: "/market/orderbook",
		Query:    map[string]string{"symbol": symbol},
		Priority: executor.PriorityMarket,
	}, &resp)
	if err != nil {
		return nil, err
	}

	book := &domain.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      bookLevels(resp.Bids),
		Asks:      bookLevels(resp.Asks),
		Timestamp: time.UnixMilli(resp.Timestamp),
	}
	c.books.Set(symbol, book, 0)
	return book, nil
}

func bookLevels(raw [][]decimal.Decimal) []domain.BookLevel {
	levels := make([]domain.BookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		levels = append(levels, domain.BookLevel{Price: pair[0], Size: pair[1]})
	}
	return levels
}

// GetServerTime fetches the broker's clock for drift checks.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	if err := c.ensureConnected(); err != nil {
		return time.Time{}, err
	}

	var resp struct {
		Timestamp int64 `json:"timestamp"`
	}
	err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		Endpoint: "/time",
		Priority: executor.PriorityMarket,
	}, &resp)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.Timestamp), nil
}

// SubscribeMarketData streams quotes for a symbol to the handler. The
// subscription survives reconnects.
func (c *Client) SubscribeMarketData(symbol string, handler stream.MarketDataHandler) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	return c.stream.SubscribeMarketData(symbol, handler)
}

// UnsubscribeMarketData stops the symbol's quote stream.
func (c *Client) UnsubscribeMarketData(symbol string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	return c.stream.UnsubscribeMarketData(symbol)
}

// SubscribeOrderUpdates streams the account's order events to the handler.
func (c *Client) SubscribeOrderUpdates(handler stream.OrderUpdateHandler) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.stream.SubscribeOrderUpdates(handler)
	return nil
}

// StreamState reports the streaming session's lifecycle state.
func (c *Client) StreamState() stream.State {
	return c.stream.State()
}

// QueueLen reports the number of requests waiting in the pipeline.
func (c *Client) QueueLen() int {
	return c.exec.QueueLen()
}
