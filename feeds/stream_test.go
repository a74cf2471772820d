package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/sigbot/events"
	"github.com/web3guy0/sigbot/types"
)

type fakeConn struct {
	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []fakeWrite
}

type fakeWrite struct {
	kind int
	data []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.reads:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, fakeWrite{kind: kind, data: data})
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) requests() []rpcRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []rpcRequest
	for _, w := range c.writes {
		if w.kind != websocket.TextMessage {
			continue
		}
		var req rpcRequest
		if json.Unmarshal(w.data, &req) == nil {
			out = append(out, req)
		}
	}
	return out
}

func (c *fakeConn) pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.writes {
		if w.kind == websocket.PingMessage {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	dials int
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = v
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func waitState(t *testing.T, ch <-chan events.Event, want types.ConnectionState) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == events.ConnectionStateChanged && e.State == want {
				return e
			}
		case <-deadline:
			t.Fatalf("state %s never reached", want)
			return events.Event{}
		}
	}
}

func newTestManager(t *testing.T, cfg StreamConfig) (*ConnectionManager, *fakeDialer, *clock.Mock, <-chan events.Event) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	bus := events.NewBus()
	states, _ := bus.Subscribe(256)
	dialer := newFakeDialer()
	if cfg.URL == "" {
		cfg.URL = "wss://stream.example"
	}
	m, err := NewConnectionManager(cfg, dialer, clk, bus)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, dialer, clk, states
}

func TestConnectionManagerReplaysSubscriptions(t *testing.T) {
	m, dialer, clk, states := newTestManager(t, StreamConfig{
		Backoff:       Backoff{Base: time.Second, Max: 8 * time.Second},
		MaxReconnects: 5,
	})

	_, err := m.SubscribeAccount("walletA")
	require.NoError(t, err)
	_, err = m.SubscribeTransactions("walletA")
	require.NoError(t, err)

	m.Start(context.Background())
	c1 := nextConn(t, dialer)
	waitState(t, states, types.StateConnected)

	first := c1.requests()
	require.Len(t, first, 2)
	assert.Equal(t, "accountSubscribe", first[0].Method)
	assert.Equal(t, "transactionSubscribe", first[1].Method)

	c1.reads <- []byte(`{"jsonrpc":"2.0","result":11,"id":1}`)
	c1.reads <- []byte(`{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":11,"result":{"context":{"slot":7},"value":{"lamports":2000000000}}}}`)

	ev := <-m.Events()
	assert.Equal(t, types.KindBalanceChange, ev.Kind)
	assert.Equal(t, "walletA", ev.Account)
	assert.Equal(t, uint64(7), ev.Slot)
	assert.Equal(t, "2", ev.Balance.After.String())

	// Drop the connection
	c1.Close()
	e := waitState(t, states, types.StateReconnecting)
	assert.Equal(t, 1, e.Attempt)
	assert.Equal(t, time.Second, e.Delay)

	clk.Add(time.Second)
	c2 := nextConn(t, dialer)
	waitState(t, states, types.StateConnected)

	second := c2.requests()
	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].Method, second[i].Method)
		assert.Equal(t, first[i].Params, second[i].Params)
	}

	// Fresh server ids map back to the same subscription
	c2.reads <- []byte(`{"jsonrpc":"2.0","result":99,"id":` + itoa(second[0].ID) + `}`)
	c2.reads <- []byte(`{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":99,"result":{"context":{"slot":8},"value":{"lamports":1500000000}}}}`)
	ev = <-m.Events()
	assert.Equal(t, "walletA", ev.Account)
	assert.Equal(t, "2", ev.Balance.Before.String())
	assert.Equal(t, "1.5", ev.Balance.After.String())

	// Attempt counter was reset by the successful reconnect
	c2.Close()
	e = waitState(t, states, types.StateReconnecting)
	assert.Equal(t, 1, e.Attempt)
}

func itoa(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestConnectionManagerBackoffAndError(t *testing.T) {
	m, dialer, clk, states := newTestManager(t, StreamConfig{
		Backoff:       Backoff{Base: time.Second, Max: 3 * time.Second},
		MaxReconnects: 3,
	})
	dialer.setFail(true)
	m.Start(context.Background())

	var delays []time.Duration
	for i := 1; i <= 3; i++ {
		e := waitState(t, states, types.StateReconnecting)
		assert.Equal(t, i, e.Attempt)
		assert.NotEmpty(t, e.Reason)
		delays = append(delays, e.Delay)
		clk.Add(e.Delay)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, delays)

	e := waitState(t, states, types.StateError)
	assert.Contains(t, e.Reason, types.ErrRetriesExhausted.Error())
	assert.Equal(t, types.StateError, m.State())

	_, open := <-m.Events()
	assert.False(t, open)
}

func TestConnectionManagerHeartbeat(t *testing.T) {
	m, dialer, clk, states := newTestManager(t, StreamConfig{HeartbeatInterval: 30 * time.Second})
	m.Start(context.Background())
	c := nextConn(t, dialer)
	waitState(t, states, types.StateConnected)

	assert.Eventually(t, func() bool {
		clk.Add(30 * time.Second)
		return c.pings() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionManagerTransactionNotification(t *testing.T) {
	m, dialer, _, states := newTestManager(t, StreamConfig{Source: "WHALE"})
	_, err := m.SubscribeTransactions("walletA")
	require.NoError(t, err)
	m.Start(context.Background())
	c := nextConn(t, dialer)
	waitState(t, states, types.StateConnected)

	c.reads <- []byte(`{"jsonrpc":"2.0","result":5,"id":1}`)
	c.reads <- []byte(`{"jsonrpc":"2.0","method":"transactionNotification","params":{"subscription":5,"result":{"transaction":{
		"signature":"sig1","type":"SWAP","slot":9,"timestamp":1709294400,"feePayer":"walletA",
		"tokenTransfers":[
			{"fromUserAccount":"walletA","toUserAccount":"pool","mint":"So11111111111111111111111111111111111111112","tokenAmount":2},
			{"fromUserAccount":"pool","toUserAccount":"walletA","mint":"tok","tokenAmount":1000}
		]}}}}`)

	ev := <-m.Events()
	assert.Equal(t, types.KindTokenSwap, ev.Kind)
	assert.Equal(t, "WHALE", ev.Source)
	require.NotNil(t, ev.Swap)
	assert.Equal(t, "tok", ev.Swap.OutMint)
}

func TestConnectionManagerStop(t *testing.T) {
	m, dialer, _, states := newTestManager(t, StreamConfig{})
	_, err := m.SubscribeAccount("walletA")
	require.NoError(t, err)
	m.Start(context.Background())
	c := nextConn(t, dialer)
	waitState(t, states, types.StateConnected)

	m.Stop()
	m.Stop()

	select {
	case <-c.closed:
	default:
		t.Fatal("connection left open")
	}
	_, open := <-m.Events()
	assert.False(t, open)
	assert.Empty(t, m.Subscriptions())
	assert.Equal(t, types.StateDisconnected, m.State())
}

func TestConnectionManagerUnsubscribe(t *testing.T) {
	m, dialer, _, states := newTestManager(t, StreamConfig{})
	id, err := m.SubscribeAccount("walletA")
	require.NoError(t, err)
	m.Start(context.Background())
	c := nextConn(t, dialer)
	waitState(t, states, types.StateConnected)

	c.reads <- []byte(`{"jsonrpc":"2.0","result":11,"id":1}`)
	assert.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return len(m.active) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Unsubscribe(id))
	reqs := c.requests()
	assert.Equal(t, "accountUnsubscribe", reqs[len(reqs)-1].Method)
	assert.Empty(t, m.Subscriptions())
	assert.Error(t, m.Unsubscribe(id))
}

func TestNewConnectionManagerRequiresURL(t *testing.T) {
	_, err := NewConnectionManager(StreamConfig{}, nil, clock.NewMock(), nil)
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	m, err := NewConnectionManager(StreamConfig{URL: "wss://x.example/ws", APIKey: "k"}, nil, clock.NewMock(), nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://x.example/ws?api-key=k", m.url)
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Max: 5 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.Next(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 5*time.Second)
		prev = d
	}
	assert.Equal(t, 500*time.Millisecond, b.Next(0))
	assert.Equal(t, 2*time.Second, b.Next(3))
	assert.Equal(t, 5*time.Second, b.Next(30))
}
