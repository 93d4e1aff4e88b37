package net

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateObserver struct {
	mu        sync.Mutex
	states    []ClientState
	exhausted chan error
}

func newStateObserver() *stateObserver {
	return &stateObserver{exhausted: make(chan error, 1)}
}

func (o *stateObserver) OnStateChange(_ *Client, _, to ClientState) {
	o.mu.Lock()
	o.states = append(o.states, to)
	o.mu.Unlock()
}

func (o *stateObserver) OnReconnectExhausted(_ *Client, err error) {
	o.exhausted <- err
}

func (o *stateObserver) count(s ClientState) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, st := range o.states {
		if st == s {
			n++
		}
	}
	return n
}

// waitFor blocks until the client entered state s at least n times.
func (o *stateObserver) waitFor(t *testing.T, s ClientState, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return o.count(s) >= n }, 2*time.Second, time.Millisecond,
		"state %s reached fewer than %d times", s, n)
}

// pipeDialer hands out prepared connections in order, then fails.
type pipeDialer struct {
	mu    sync.Mutex
	conns []net.Conn
	dials atomic.Int32
}

var errNoRoute = errors.New("no route to host")

func (d *pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errNoRoute
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

// gatedFailConn blocks writes until the gate closes, then fails them.
type gatedFailConn struct {
	net.Conn
	gate chan struct{}
}

func (c gatedFailConn) Write([]byte) (int, error) {
	<-c.gate
	return 0, errBrokenPipe
}

// TestReconnectDelay 测试线性退避
func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		retries int
		unit    time.Duration
		want    time.Duration
	}{
		{0, time.Second, 0},
		{1, time.Second, time.Second},
		{2, time.Second, 2 * time.Second},
		{3, time.Second, 3 * time.Second},
		{4, time.Second, 3 * time.Second},
		{1 << 40, time.Second, 3 * time.Second},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := ReconnectDelay(tt.retries, tt.unit, 3*time.Second); got != tt.want {
			t.Errorf("ReconnectDelay(%d, %v) = %v, want %v", tt.retries, tt.unit, got, tt.want)
		}
	}
}

func TestClientStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disposed", StateDisposed.String())
	assert.Equal(t, "state(9)", ClientState(9).String())
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, TransportOption{})
	assert.Error(t, err)
	_, err = NewClient(&ClientCfg{}, TransportOption{})
	assert.Error(t, err, "no address and no resolver")
	_, err = NewClient(&ClientCfg{ReplayQueueSize: -1, Addr: "x:1"}, TransportOption{})
	assert.Error(t, err)

	c, err := NewClient(&ClientCfg{}, TransportOption{}, WithResolver(staticResolver("127.0.0.1:1")))
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, defaultMaxReconnectDelay, c.MaxReconnectDelay)
	require.NoError(t, c.Dispose())
}

type staticResolver string

func (r staticResolver) Resolve(context.Context) (string, error) { return string(r), nil }

// TestClientReplayOrder 测试刷写失败的帧在重连后先于新写入按序重放
func TestClientReplayOrder(t *testing.T) {
	a1, b1 := net.Pipe()
	a2, b2 := net.Pipe()
	defer b1.Close()
	defer b2.Close()
	gate := make(chan struct{})
	dialer := &pipeDialer{conns: []net.Conn{gatedFailConn{Conn: a1, gate: gate}, a2}}

	sched := NewScheduler(nil)
	defer sched.Stop()
	obs := newStateObserver()
	reg := testRegistry(t)
	c, err := NewClient(&ClientCfg{Addr: "pipe"}, TransportOption{Registry: reg},
		WithDialer(dialer), WithScheduler(sched), WithObserver(obs))
	require.NoError(t, err)
	defer c.Dispose()

	require.NoError(t, c.Connect(context.Background()))
	var pending []*Future
	for i := 1; i <= 3; i++ {
		pending = append(pending, c.Write(&Ping{Seq: i}))
	}
	close(gate)

	obs.waitFor(t, StateConnected, 2)
	after := c.Write(&Ping{Seq: 4})

	// read what the second connection carries
	mc, err := NewMessageCodec(reg, FrameCfg{})
	require.NoError(t, err)
	d := NewFrameDecoder(FrameCfg{}, Upstream)
	defer d.Release()
	var seqs []int
	_ = b2.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(seqs) < 4 {
		_, err := d.ReadFrom(b2, func(f *Frame) error {
			defer f.Release()
			_, msg, err := mc.DecodeBody(f.Body)
			if err != nil {
				return err
			}
			seqs = append(seqs, msg.(*Ping).Seq)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, seqs)

	for _, f := range append(pending, after) {
		require.NoError(t, f.Wait(context.Background()))
	}
	assert.Zero(t, c.ReplayQueue().Len())
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestClientReplayQueueOverflow(t *testing.T) {
	a1, b1 := net.Pipe()
	defer b1.Close()
	gate := make(chan struct{})
	dialer := &pipeDialer{conns: []net.Conn{gatedFailConn{Conn: a1, gate: gate}}}
	sched := NewScheduler(nil)
	defer sched.Stop()
	obs := newStateObserver()

	c, err := NewClient(&ClientCfg{Addr: "pipe", ReplayQueueSize: 2, MaxReconnectAttempts: 1},
		TransportOption{Registry: testRegistry(t)}, WithDialer(dialer), WithScheduler(sched), WithObserver(obs))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	var futures []*Future
	for i := 0; i < 4; i++ {
		futures = append(futures, c.Write(&Ping{Seq: i}))
	}
	close(gate)

	// two frames fit the replay queue, the rest fail
	failed := 0
	for _, f := range futures[2:] {
		select {
		case <-f.Done():
			if errors.Is(f.Err(), ErrReplayQueueFull) {
				failed++
			}
		case <-time.After(time.Second):
			t.Fatal("overflowing frame never failed")
		}
	}
	assert.Equal(t, 2, failed)
	assert.LessOrEqual(t, c.ReplayQueue().Len(), 2)

	// dispose fails whatever is still queued
	select {
	case <-obs.exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never gave up")
	}
	require.NoError(t, c.Dispose())
	for _, f := range futures[:2] {
		assert.ErrorIs(t, f.Err(), ErrClientDisposed)
	}
}

// TestClientReconnectExhausted 测试重连次数耗尽后通知观察者
func TestClientReconnectExhausted(t *testing.T) {
	dialer := &pipeDialer{}
	sched := NewScheduler(nil)
	defer sched.Stop()
	obs := newStateObserver()

	c, err := NewClient(&ClientCfg{Addr: "nowhere", MaxReconnectAttempts: 2, ReconnectUnit: time.Millisecond},
		TransportOption{Registry: testRegistry(t)}, WithDialer(dialer), WithScheduler(sched), WithObserver(obs))
	require.NoError(t, err)
	defer c.Dispose()

	assert.ErrorIs(t, c.Connect(context.Background()), errNoRoute)
	select {
	case err := <-obs.exhausted:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion never reported")
	}
	assert.Equal(t, int32(3), dialer.dials.Load(), "the first attempt plus two retries")
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Write(&Ping{}).Err(), ErrSessionInactive)
}

// TestClientDispose 测试销毁后的状态与写入
func TestClientDispose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	sched := NewScheduler(nil)
	defer sched.Stop()
	obs := newStateObserver()
	h := &testHandler{}
	c, err := NewClient(&ClientCfg{Addr: "pipe"}, TransportOption{Handler: h, Registry: testRegistry(t)},
		WithDialer(&pipeDialer{conns: []net.Conn{a}}), WithScheduler(sched), WithObserver(obs))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()), "connect while connected is a no-op")

	require.NoError(t, c.Dispose())
	require.NoError(t, c.Dispose())
	assert.Equal(t, StateDisposed, c.State())
	assert.Equal(t, 1, obs.count(StateDisposed))
	assert.ErrorIs(t, c.Write(&Ping{}).Err(), ErrSessionDisposed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientDisposed)

	require.Eventually(t, func() bool {
		_, inactive, _, _ := h.counts()
		return inactive == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDisposed, c.State(), "no reconnect after dispose")
	assert.Zero(t, sched.Len())
}

func TestClientOnConfigChanged(t *testing.T) {
	c, err := NewClient(&ClientCfg{Addr: "127.0.0.1:1"}, TransportOption{Registry: testRegistry(t)})
	require.NoError(t, err)
	defer c.Dispose()

	require.NoError(t, c.OnConfigChanged("kin_client", &ClientCfg{
		Addr:       "127.0.0.1:2",
		Idle:       IdleCfg{WriteIdle: time.Second},
		Dispatcher: DispatcherConfig{RecvRateLimit: 50},
	}, nil))
	assert.Equal(t, "127.0.0.1:2", c.config().Addr)
	assert.Equal(t, time.Second, c.idle.Load().WriteIdle)
	assert.Equal(t, 50, c.Dispatcher().GetConfig().RecvRateLimit)
	assert.Error(t, c.OnConfigChanged("kin_client", &ServerCfg{}, nil))
	assert.NoError(t, c.OnConfigChanged("kin_server", &ServerCfg{}, nil))
}
