package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/events"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONNECTION MANAGER - Persistent JSON-RPC websocket with replayed subscriptions
// ═══════════════════════════════════════════════════════════════════════════════
//
// States:
//   DISCONNECTED → CONNECTING → CONNECTED → (drop) RECONNECTING → CONNECTING …
//   ERROR once MaxReconnects consecutive attempts have failed
//
// Subscriptions are tracked by our own id. Every (re)connect replays the full
// set before reads resume, and server subscription ids are remapped from the
// fresh confirmations. A heartbeat ping goes out on a fixed interval.
//
// ═══════════════════════════════════════════════════════════════════════════════

const eventBufferSize = 1024

// Conn is the part of a websocket connection the manager uses
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// pongAware connections let the heartbeat detect a silent peer
type pongAware interface {
	SetPongHandler(h func(appData string) error)
}

// Dialer opens a connection
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with gorilla/websocket
type WSDialer struct {
	HandshakeTimeout time.Duration
}

// Dial implements Dialer
func (d WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Stream is a source of normalized chain events
type Stream interface {
	Start(ctx context.Context)
	Stop()
	Events() <-chan types.StreamEvent
	State() types.ConnectionState
}

// StreamConfig configures a ConnectionManager
type StreamConfig struct {
	URL               string
	APIKey            string
	Source            string
	HeartbeatInterval time.Duration
	Backoff           Backoff
	MaxReconnects     int // consecutive failures before ERROR; 0 = unlimited
}

// Subscription is a desired server subscription
type Subscription struct {
	ID      string
	Method  string // e.g. accountSubscribe
	Account string // watched account, if any
	Params  []interface{}
}

type ConnectionManager struct {
	cfg    StreamConfig
	url    string
	dialer Dialer
	clk    clock.Clock
	pub    events.Publisher

	mu        sync.RWMutex
	state     types.ConnectionState
	conn      Conn
	subs      map[string]*Subscription
	order     []string
	pending   map[uint64]string // request id -> subscription id
	active    map[uint64]string // server subscription id -> subscription id
	balances  map[string]decimal.Decimal
	lastSeen  time.Time
	requestID uint64

	writeMu sync.Mutex
	events  chan types.StreamEvent
	dropped atomic.Uint64

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewConnectionManager creates a manager. Nothing is dialed until Start.
func NewConnectionManager(cfg StreamConfig, dialer Dialer, clk clock.Clock, pub events.Publisher) (*ConnectionManager, error) {
	if cfg.URL == "" {
		return nil, &types.ConfigurationError{Field: "STREAM_URL", Reason: "required for a live stream"}
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "STREAM_URL", Reason: err.Error()}
	}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("api-key", cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "WHALE"
	}
	if dialer == nil {
		dialer = WSDialer{HandshakeTimeout: 10 * time.Second}
	}
	if pub == nil {
		pub = events.Nop{}
	}

	return &ConnectionManager{
		cfg:      cfg,
		url:      u.String(),
		dialer:   dialer,
		clk:      clk,
		pub:      pub,
		state:    types.StateDisconnected,
		subs:     make(map[string]*Subscription),
		pending:  make(map[uint64]string),
		active:   make(map[uint64]string),
		balances: make(map[string]decimal.Decimal),
		events:   make(chan types.StreamEvent, eventBufferSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Events returns the normalized event channel. It closes when the manager stops.
func (m *ConnectionManager) Events() <-chan types.StreamEvent { return m.events }

// State returns the current connection state
func (m *ConnectionManager) State() types.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start begins the connection loop
func (m *ConnectionManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run(ctx)
	log.Info().Str("source", m.cfg.Source).Msg("📡 Stream started")
}

// Stop closes the connection, halts the loop and forgets subscriptions. Safe to call twice.
func (m *ConnectionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)

		m.mu.Lock()
		started := m.started
		conn := m.conn
		m.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if started {
			<-m.done
		} else {
			close(m.events)
		}

		m.mu.Lock()
		m.subs = make(map[string]*Subscription)
		m.order = nil
		m.pending = make(map[uint64]string)
		m.active = make(map[uint64]string)
		m.mu.Unlock()

		m.setState(types.StateDisconnected, 0, 0, nil)
		log.Info().Msg("Stream stopped")
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// SUBSCRIPTIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Subscribe registers a subscription and sends it now if connected. It is
// replayed automatically after every reconnect.
func (m *ConnectionManager) Subscribe(method, account string, params ...interface{}) (string, error) {
	sub := &Subscription{
		ID:      uuid.NewString(),
		Method:  method,
		Account: account,
		Params:  params,
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.order = append(m.order, sub.ID)
	conn := m.conn
	connected := m.state == types.StateConnected
	m.mu.Unlock()

	if connected && conn != nil {
		if err := m.sendSubscribe(conn, sub); err != nil {
			return sub.ID, err
		}
	}
	return sub.ID, nil
}

// SubscribeAccount watches a wallet's native balance
func (m *ConnectionManager) SubscribeAccount(account string) (string, error) {
	return m.Subscribe("accountSubscribe", account, account, map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"})
}

// SubscribeTransactions watches parsed transactions touching an account
func (m *ConnectionManager) SubscribeTransactions(account string) (string, error) {
	return m.Subscribe("transactionSubscribe", account,
		map[string]interface{}{"accountInclude": []string{account}, "failed": false},
		map[string]interface{}{"commitment": "confirmed", "encoding": "jsonParsed", "transactionDetails": "full"},
	)
}

// Unsubscribe forgets a subscription and tells the server if it is live
func (m *ConnectionManager) Unsubscribe(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown subscription %s", id)
	}
	delete(m.subs, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	var serverID uint64
	var live bool
	for srv, sid := range m.active {
		if sid == id {
			serverID, live = srv, true
			delete(m.active, srv)
			break
		}
	}
	conn := m.conn
	m.mu.Unlock()

	if !live || conn == nil {
		return nil
	}
	method := strings.TrimSuffix(sub.Method, "Subscribe") + "Unsubscribe"
	return m.sendRequest(conn, method, []interface{}{serverID}, "")
}

// Subscriptions returns the tracked subscriptions in registration order
func (m *ConnectionManager) Subscriptions() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.subs[id])
	}
	return out
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

func (m *ConnectionManager) sendSubscribe(conn Conn, sub *Subscription) error {
	return m.sendRequest(conn, sub.Method, sub.Params, sub.ID)
}

func (m *ConnectionManager) sendRequest(conn Conn, method string, params []interface{}, subID string) error {
	m.mu.Lock()
	m.requestID++
	id := m.requestID
	if subID != "" {
		m.pending[id] = subID
	}
	m.mu.Unlock()

	if params == nil {
		params = []interface{}{}
	}
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	return nil
}

// resubscribe replays every tracked subscription on a fresh connection
func (m *ConnectionManager) resubscribe(conn Conn) error {
	m.mu.Lock()
	m.pending = make(map[uint64]string)
	m.active = make(map[uint64]string)
	subs := make([]*Subscription, 0, len(m.order))
	for _, id := range m.order {
		subs = append(subs, m.subs[id])
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if err := m.sendSubscribe(conn, sub); err != nil {
			return err
		}
	}
	if len(subs) > 0 {
		log.Info().Int("count", len(subs)).Msg("📡 Subscriptions restored")
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONNECTION LOOP
// ═══════════════════════════════════════════════════════════════════════════════

func (m *ConnectionManager) run(ctx context.Context) {
	defer close(m.done)
	defer close(m.events)

	attempt := 0
	for {
		if m.stopped(ctx) {
			return
		}

		m.setState(types.StateConnecting, attempt, 0, nil)
		conn, err := m.dialer.Dial(ctx, m.url)
		if err == nil {
			err = m.session(ctx, conn)
			if err == nil {
				return
			}
			// A session that got connected resets the attempt counter
			if m.wasConnected() {
				attempt = 0
			}
		}

		if m.stopped(ctx) {
			return
		}

		attempt++
		cerr := &types.ConnectionError{Attempt: attempt, Err: err}
		if m.cfg.MaxReconnects > 0 && attempt > m.cfg.MaxReconnects {
			m.setState(types.StateError, attempt, 0, fmt.Errorf("%w: %v", types.ErrRetriesExhausted, cerr))
			log.Error().Err(cerr).Int("max", m.cfg.MaxReconnects).Msg("❌ Stream gave up reconnecting")
			return
		}

		delay := m.cfg.Backoff.Next(attempt)
		timer := m.clk.Timer(delay)
		m.setState(types.StateReconnecting, attempt, delay, cerr)
		log.Warn().Err(cerr).Dur("delay", delay).Msg("🔌 Stream disconnected, retrying")

		select {
		case <-timer.C:
		case <-m.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (m *ConnectionManager) stopped(ctx context.Context) bool {
	select {
	case <-m.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (m *ConnectionManager) wasConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.lastSeen.IsZero()
}

// session runs one connection until it drops. Returns nil only on shutdown.
func (m *ConnectionManager) session(ctx context.Context, conn Conn) error {
	m.mu.Lock()
	m.conn = conn
	m.lastSeen = time.Time{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		conn.Close()
	}()

	// Stop may have raced the dial
	if m.stopped(ctx) {
		return nil
	}

	if err := m.resubscribe(conn); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSeen = m.clk.Now()
	m.mu.Unlock()

	pongs := false
	if pc, ok := conn.(pongAware); ok {
		pongs = true
		pc.SetPongHandler(func(string) error {
			m.touch()
			return nil
		})
	}

	m.setState(types.StateConnected, 0, 0, nil)
	log.Info().Msg("🔌 Stream connected")

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go m.heartbeat(conn, pongs, sessionDone)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if m.stopped(ctx) {
				return nil
			}
			return err
		}
		m.touch()
		m.handleMessage(msg)
	}
}

func (m *ConnectionManager) touch() {
	m.mu.Lock()
	m.lastSeen = m.clk.Now()
	m.mu.Unlock()
}

// heartbeat pings on a fixed interval. A failed ping, or a pong-capable peer
// that has been silent for two intervals, closes the connection so the
// read loop fails and the reconnect path takes over.
func (m *ConnectionManager) heartbeat(conn Conn, pongs bool, sessionDone <-chan struct{}) {
	ticker := m.clk.Ticker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sessionDone:
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if pongs {
				m.mu.RLock()
				silent := m.clk.Since(m.lastSeen)
				m.mu.RUnlock()
				if silent > 2*m.cfg.HeartbeatInterval {
					log.Warn().Dur("silent", silent).Msg("💔 Stream heartbeat missed")
					conn.Close()
					return
				}
			}

			m.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				log.Warn().Err(err).Msg("💔 Heartbeat failed")
				conn.Close()
				return
			}
		}
	}
}

func (m *ConnectionManager) setState(s types.ConnectionState, attempt int, delay time.Duration, err error) {
	m.mu.Lock()
	if m.state == s && s != types.StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	e := events.Event{
		Type:    events.ConnectionStateChanged,
		Time:    m.clk.Now(),
		State:   s,
		Attempt: attempt,
		Delay:   delay,
	}
	if err != nil {
		e.Reason = err.Error()
	}
	m.pub.Publish(e)
}

// ═══════════════════════════════════════════════════════════════════════════════
// MESSAGES
// ═══════════════════════════════════════════════════════════════════════════════

type rpcMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params *struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type notificationContext struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
}

func (m *ConnectionManager) handleMessage(data []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Msg("Unparseable stream message")
		return
	}

	// Subscription confirmation
	if msg.ID != nil {
		m.mu.Lock()
		subID, ok := m.pending[*msg.ID]
		delete(m.pending, *msg.ID)
		if ok && msg.Error == nil {
			var serverID uint64
			if err := json.Unmarshal(msg.Result, &serverID); err == nil {
				m.active[serverID] = subID
			}
		}
		m.mu.Unlock()
		if msg.Error != nil {
			log.Warn().Str("subscription", subID).Str("error", msg.Error.Message).Msg("⚠️ Subscription refused")
		}
		return
	}

	if msg.Params == nil {
		return
	}

	m.mu.RLock()
	subID := m.active[msg.Params.Subscription]
	sub := m.subs[subID]
	m.mu.RUnlock()

	account := ""
	if sub != nil {
		account = sub.Account
	}

	var ev *types.StreamEvent
	switch msg.Method {
	case "transactionNotification":
		ev = m.transactionEvent(msg.Params.Result)
	case "accountNotification":
		ev = m.balanceEvent(account, msg.Params.Result)
	case "logsNotification":
		ev = m.logsEvent(account, msg.Params.Result)
	default:
		return
	}
	if ev != nil {
		m.emit(*ev)
	}
}

func (m *ConnectionManager) transactionEvent(raw json.RawMessage) *types.StreamEvent {
	var wrapped struct {
		Transaction *EnhancedTransaction `json:"transaction"`
	}
	var tx EnhancedTransaction
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Transaction != nil && wrapped.Transaction.Signature != "" {
		tx = *wrapped.Transaction
	} else if err := json.Unmarshal(raw, &tx); err != nil {
		log.Debug().Err(err).Msg("Bad transaction notification")
		return nil
	}
	ev := NormalizeTransaction(tx, m.cfg.Source, m.clk.Now())
	return &ev
}

func (m *ConnectionManager) balanceEvent(account string, raw json.RawMessage) *types.StreamEvent {
	var note struct {
		notificationContext
		Value struct {
			Lamports uint64 `json:"lamports"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &note); err != nil {
		log.Debug().Err(err).Msg("Bad account notification")
		return nil
	}

	after := decimal.NewFromInt(int64(note.Value.Lamports)).Div(decimal.New(lamportsPerSOL, 0))
	m.mu.Lock()
	before, seen := m.balances[account]
	if !seen {
		before = after
	}
	m.balances[account] = after
	m.mu.Unlock()

	return &types.StreamEvent{
		Kind:      types.KindBalanceChange,
		Slot:      note.Context.Slot,
		Timestamp: m.clk.Now(),
		Account:   account,
		Source:    m.cfg.Source,
		Balance: &types.BalanceChange{
			Account: account,
			Before:  before,
			After:   after,
		},
	}
}

func (m *ConnectionManager) logsEvent(account string, raw json.RawMessage) *types.StreamEvent {
	var note struct {
		notificationContext
		Value struct {
			Signature string          `json:"signature"`
			Err       json.RawMessage `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &note); err != nil {
		log.Debug().Err(err).Msg("Bad logs notification")
		return nil
	}
	tx := EnhancedTransaction{Signature: note.Value.Signature, Slot: note.Context.Slot, FeePayer: account, TransactionError: note.Value.Err}
	ev := NormalizeTransaction(tx, m.cfg.Source, m.clk.Now())
	return &ev
}

// emit never blocks the read loop; a full consumer loses the event
func (m *ConnectionManager) emit(ev types.StreamEvent) {
	select {
	case m.events <- ev:
	default:
		if n := m.dropped.Add(1); n%100 == 1 {
			log.Warn().Uint64("dropped", n).Msg("⚠️ Stream consumer full, dropping events")
		}
	}
}
