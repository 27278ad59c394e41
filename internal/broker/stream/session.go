// Package stream maintains the persistent market-data and order-update
// connection to the broker, reconnecting and replaying subscriptions when
// the socket drops.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lockerbot/gobroker/internal/broker/token"
	"github.com/lockerbot/gobroker/internal/domain"
)

var log = logrus.WithField("component", "stream")

// MarketDataHandler receives streamed quotes for a subscribed symbol.
type MarketDataHandler func(domain.MarketData)

// OrderUpdateHandler receives streamed changes to the account's orders.
type OrderUpdateHandler func(domain.OrderUpdate)

// Config controls the stream connection.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	HandshakeTimeout  time.Duration
}

// Session is the persistent stream connection. Subscriptions registered at
// any time survive reconnects: the full set is replayed after every
// successful handshake.
type Session struct {
	config Config
	tokens *token.Manager

	conn   *websocket.Conn
	connMu sync.Mutex

	running   bool
	runningMu sync.Mutex

	state   State
	stateMu sync.RWMutex

	// channel name -> subscribed; handlers keyed by symbol
	subs           map[string]bool
	marketHandlers map[string][]MarketDataHandler
	orderHandlers  []OrderUpdateHandler
	subMu          sync.Mutex

	lastMsg   time.Time
	lastMsgMu sync.Mutex

	retry *backoff.Backoff

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a stopped session; Start opens the connection.
func New(cfg Config, tokens *token.Manager) *Session {
	return &Session{
		config:         cfg,
		tokens:         tokens,
		subs:           make(map[string]bool),
		marketHandlers: make(map[string][]MarketDataHandler),
		retry: &backoff.Backoff{
			Min:    cfg.ReconnectMinDelay,
			Max:    cfg.ReconnectMaxDelay,
			Factor: 2,
		},
	}
}

// Start dials the broker, authenticates, and launches the read and
// heartbeat loops. The first connection is made synchronously so the
// caller learns immediately whether the stream is reachable; later drops
// are healed in the background.
func (s *Session) Start(ctx context.Context) error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return errors.New("stream session already running")
	}
	s.running = true
	s.runningMu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.retry.Reset()

	if err := s.connect(); err != nil {
		s.runningMu.Lock()
		s.running = false
		s.runningMu.Unlock()
		s.cancel()
		s.setState(StateDisconnected)
		return err
	}

	go s.run()
	go s.pingLoop()

	log.Infof("stream connected to %s", s.config.URL)
	return nil
}

// Stop closes the connection and waits for the loops to exit. Registered
// subscriptions are kept so a later Start replays them.
func (s *Session) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	close(s.stopCh)

	s.closeConn()

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn("stream shutdown timed out")
	}

	s.setState(StateDisconnected)
	log.Info("stream stopped")
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Session) IsRunning() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

// SubscribeMarketData registers a handler for a symbol's quotes. The
// subscription is recorded before the wire message goes out, so a
// mid-subscribe disconnect still replays it on the next connection.
func (s *Session) SubscribeMarketData(symbol string, handler MarketDataHandler) error {
	channel := marketDataChannel(symbol)

	s.subMu.Lock()
	s.marketHandlers[symbol] = append(s.marketHandlers[symbol], handler)
	already := s.subs[channel]
	s.subs[channel] = true
	s.subMu.Unlock()

	if already {
		return nil
	}
	return s.sendChannel(msgSubscribe, channel)
}

// UnsubscribeMarketData drops a symbol's handlers and tells the broker to
// stop sending its quotes.
func (s *Session) UnsubscribeMarketData(symbol string) error {
	channel := marketDataChannel(symbol)

	s.subMu.Lock()
	subscribed := s.subs[channel]
	delete(s.subs, channel)
	delete(s.marketHandlers, symbol)
	s.subMu.Unlock()

	if !subscribed {
		return nil
	}
	return s.sendChannel(msgUnsubscribe, channel)
}

// SubscribeOrderUpdates registers a handler for the account's order events.
// Order updates arrive on the authenticated connection without a channel
// subscription, so nothing goes over the wire.
func (s *Session) SubscribeOrderUpdates(handler OrderUpdateHandler) {
	s.subMu.Lock()
	s.orderHandlers = append(s.orderHandlers, handler)
	s.subMu.Unlock()
}

// SubscriptionCount returns the number of active channel subscriptions.
func (s *Session) SubscriptionCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// connect dials, authenticates, and replays the subscription set.
func (s *Session) connect() error {
	s.setState(StateConnecting)

	dialer := websocket.Dialer{
		HandshakeTimeout: s.config.HandshakeTimeout,
	}
	headers := make(http.Header)
	headers.Set("User-Agent", "gobroker/1.0")

	conn, _, err := dialer.Dial(s.config.URL, headers)
	if err != nil {
		return errors.Wrap(err, "stream dial failed")
	}

	s.setState(StateAuthenticating)
	if err := s.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.connMu.Unlock()

	s.touch()
	s.retry.Reset()

	if err := s.resubscribe(); err != nil {
		log.Warnf("subscription replay failed: %v", err)
		s.closeConn()
		return err
	}

	s.setState(StateConnected)
	return nil
}

// authenticate sends the auth frame and waits for the broker's verdict.
// A rejected token is refreshed once and retried on the same socket.
func (s *Session) authenticate(conn *websocket.Conn) error {
	refreshed := false
	for {
		tok, err := s.tokens.Current()
		if err != nil {
			return err
		}

		if err := conn.WriteJSON(authRequest{Type: msgAuth, Token: tok}); err != nil {
			return errors.Wrap(err, "send auth frame")
		}

		conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
		_, raw, err := conn.ReadMessage()
		conn.SetReadDeadline(time.Time{})
		if err != nil {
			return errors.Wrap(err, "read auth response")
		}

		var resp authResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return errors.Wrap(err, "decode auth response")
		}
		if resp.Authenticated {
			return nil
		}
		if refreshed {
			return fmt.Errorf("stream authentication rejected: %s", resp.Message)
		}

		log.Warn("stream auth rejected, refreshing token")
		if err := s.tokens.Refresh(s.ctx); err != nil {
			return err
		}
		refreshed = true
	}
}

// resubscribe replays every recorded channel on the current connection.
func (s *Session) resubscribe() error {
	s.subMu.Lock()
	channels := make([]string, 0, len(s.subs))
	for ch := range s.subs {
		channels = append(channels, ch)
	}
	s.subMu.Unlock()

	for _, ch := range channels {
		if err := s.sendChannel(msgSubscribe, ch); err != nil {
			return err
		}
	}
	if len(channels) > 0 {
		log.Infof("replayed %d subscriptions", len(channels))
	}
	return nil
}

// sendChannel writes a subscribe/unsubscribe frame. Not an error when the
// socket is down: the subscription set is the source of truth and the next
// connection replays it.
func (s *Session) sendChannel(typ, channel string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return nil
	}
	if err := s.conn.WriteJSON(channelRequest{Type: typ, Channel: channel}); err != nil {
		return errors.Wrapf(err, "send %s %s", typ, channel)
	}
	return nil
}

// run reads until the connection drops, then reconnects with exponential
// backoff until Stop.
func (s *Session) run() {
	defer close(s.doneCh)

	for {
		s.readConn()

		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		s.setState(StateReconnecting)
		delay := s.retry.Duration()
		log.Warnf("stream disconnected, reconnecting in %v", delay)

		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}

		if err := s.connect(); err != nil {
			log.Errorf("stream reconnect failed: %v", err)
			continue
		}
		log.Info("stream reconnected")
	}
}

// readConn drains the current connection until it fails or Stop is called.
func (s *Session) readConn() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.closeConn()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("stream closed by broker")
			} else {
				log.Warnf("stream read error: %v", err)
			}
			return
		}

		s.touch()
		s.handleMessage(raw)
	}
}

// pingLoop sends a heartbeat when the connection has gone idle and kills
// connections that stay silent past the liveness window.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			continue
		}

		idle := time.Since(s.lastMessage())
		if idle > s.config.HeartbeatInterval+s.config.LivenessTimeout {
			log.Warnf("no stream traffic for %v, forcing reconnect", idle.Round(time.Second))
			s.closeConn()
			continue
		}
		if idle < s.config.HeartbeatInterval {
			continue
		}

		if err := conn.WriteJSON(envelope{Type: msgPing}); err != nil {
			log.Warnf("heartbeat send failed: %v", err)
			s.closeConn()
		}
	}
}

// handleMessage decodes one frame and fans it out. Each handler runs in
// its own goroutine so a slow consumer cannot stall the read loop.
func (s *Session) handleMessage(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warnf("undecodable stream frame: %v", err)
		return
	}

	switch env.Type {
	case msgMarketData:
		var md domain.MarketData
		if err := json.Unmarshal(env.Data, &md); err != nil {
			log.Warnf("bad market data payload: %v", err)
			return
		}
		s.subMu.Lock()
		handlers := make([]MarketDataHandler, len(s.marketHandlers[md.Symbol]))
		copy(handlers, s.marketHandlers[md.Symbol])
		s.subMu.Unlock()
		for _, h := range handlers {
			go h(md)
		}

	case msgOrderUpdate:
		var ou domain.OrderUpdate
		if err := json.Unmarshal(env.Data, &ou); err != nil {
			log.Warnf("bad order update payload: %v", err)
			return
		}
		s.subMu.Lock()
		handlers := make([]OrderUpdateHandler, len(s.orderHandlers))
		copy(handlers, s.orderHandlers)
		s.subMu.Unlock()
		for _, h := range handlers {
			go h(ou)
		}

	case msgPong:
		// heartbeat answered; touch already recorded it

	default:
		log.Debugf("ignoring stream message type %q", env.Type)
	}
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Session) touch() {
	s.lastMsgMu.Lock()
	s.lastMsg = time.Now()
	s.lastMsgMu.Unlock()
}

func (s *Session) lastMessage() time.Time {
	s.lastMsgMu.Lock()
	defer s.lastMsgMu.Unlock()
	return s.lastMsg
}
