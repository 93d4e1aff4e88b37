package net

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcx/kin/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler records every callback it receives.
type testHandler struct {
	mu        sync.Mutex
	msgs      []any
	errs      []error
	limited   []any
	active    int
	inactive  int
	readIdle  int
	writeIdle int

	onMessage  func(s *Session, msg any) error
	onActive   func(s *Session)
	onInactive func(s *Session)
}

func (h *testHandler) OnMessage(s *Session, msg any) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	fn := h.onMessage
	h.mu.Unlock()
	if fn != nil {
		return fn(s, msg)
	}
	return nil
}

func (h *testHandler) OnActive(s *Session) {
	h.mu.Lock()
	h.active++
	fn := h.onActive
	h.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (h *testHandler) OnInactive(s *Session) {
	h.mu.Lock()
	h.inactive++
	fn := h.onInactive
	h.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (h *testHandler) OnException(_ *Session, err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *testHandler) OnRateLimited(_ *Session, msg any) {
	h.mu.Lock()
	h.limited = append(h.limited, msg)
	h.mu.Unlock()
}

func (h *testHandler) OnReadIdle(*Session) {
	h.mu.Lock()
	h.readIdle++
	h.mu.Unlock()
}

func (h *testHandler) OnWriteIdle(*Session) {
	h.mu.Lock()
	h.writeIdle++
	h.mu.Unlock()
}

func (h *testHandler) messages() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.msgs...)
}

func (h *testHandler) exceptions() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *testHandler) rateLimited() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.limited...)
}

func (h *testHandler) counts() (active, inactive, readIdle, writeIdle int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active, h.inactive, h.readIdle, h.writeIdle
}

type dispatcherFixture struct {
	reg     *ProtocolRegistry
	mc      *MessageCodec
	handler *testHandler
	clock   *clock.Mock
	disp    *Dispatcher
	sess    *Session
}

func newDispatcherFixture(t *testing.T, cfg *DispatcherConfig) *dispatcherFixture {
	t.Helper()
	fx := &dispatcherFixture{
		reg:     testRegistry(t),
		handler: &testHandler{},
		clock:   clock.NewMock(),
	}
	var err error
	fx.mc, err = NewMessageCodec(fx.reg, FrameCfg{})
	require.NoError(t, err)
	fx.disp, err = NewDispatcher(cfg, fx.mc, fx.handler, fx.clock)
	require.NoError(t, err)
	fx.sess = newSession(fx.mc, NewFrameEncoder(FrameCfg{}, Downstream), time.Second, fx.clock)
	return fx
}

func (fx *dispatcherFixture) body(t *testing.T, msg any) []byte {
	t.Helper()
	w := codec.NewWriter(32)
	_, err := fx.mc.EncodeBody(w, msg)
	require.NoError(t, err)
	return w.Bytes()
}

// frame wraps body in a copy-mode frame.
func (fx *dispatcherFixture) frame(t *testing.T, msg any) *Frame {
	b := fx.body(t, msg)
	return newFrame(uint32(len(b)), b, nil)
}

// TestNewDispatcher 测试创建消息分发器
func TestNewDispatcher(t *testing.T) {
	mc, err := NewMessageCodec(NewProtocolRegistry(), FrameCfg{})
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     *DispatcherConfig
		mc      *MessageCodec
		handler TransportHandler
		wantErr bool
	}{
		{"nil config", nil, mc, BaseHandler{}, false},
		{"with pacing", &DispatcherConfig{RecvRateLimit: 100}, mc, BaseHandler{}, false},
		{"negative rate", &DispatcherConfig{RecvRateLimit: -1}, mc, BaseHandler{}, true},
		{"rate too high", &DispatcherConfig{RecvRateLimit: 2000000}, mc, BaseHandler{}, true},
		{"nil codec", nil, nil, BaseHandler{}, true},
		{"nil handler", nil, mc, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDispatcher(tt.cfg, tt.mc, tt.handler, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewDispatcher() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && d.GetConfig() == nil {
				t.Error("GetConfig() returned nil")
			}
		})
	}
}

// TestDispatcherOnFrame 测试帧解码后交给处理器
func TestDispatcherOnFrame(t *testing.T) {
	fx := newDispatcherFixture(t, nil)

	f := fx.frame(t, &Ping{Seq: 42})
	require.NoError(t, fx.disp.OnFrame(fx.sess, f))
	assert.Equal(t, []any{&Ping{Seq: 42}}, fx.handler.messages())
	assert.Zero(t, f.RefCount(), "OnFrame releases the frame")
	assert.Empty(t, fx.handler.exceptions())
}

// TestDispatcherUnknownProtocol 测试未知协议只丢弃该条消息
func TestDispatcherUnknownProtocol(t *testing.T) {
	fx := newDispatcherFixture(t, nil)

	unknown := newFrame(1, []byte{0x63}, nil)
	assert.NoError(t, fx.disp.OnFrame(fx.sess, unknown), "connection stays open")
	require.NoError(t, fx.disp.OnFrame(fx.sess, fx.frame(t, &Ping{Seq: 1})))

	assert.Equal(t, []any{&Ping{Seq: 1}}, fx.handler.messages())
	assert.Empty(t, fx.handler.exceptions())
}

func TestDispatcherCorruptBodyIsFatal(t *testing.T) {
	fx := newDispatcherFixture(t, nil)

	err := fx.disp.OnFrame(fx.sess, newFrame(2, []byte{0x02, 0x02}, nil))
	assert.ErrorIs(t, err, codec.ErrBufferUnderflow)
	require.Len(t, fx.handler.exceptions(), 1)
	assert.Empty(t, fx.handler.messages())
}

// deliveryHandler takes deliveries instead of bare messages.
type deliveryHandler struct {
	*testHandler
	deliveries []*DispatcherDelivery
}

func (h *deliveryHandler) OnRecvDispatcherPkg(dd *DispatcherDelivery) error {
	h.deliveries = append(h.deliveries, dd)
	return nil
}

// TestDispatcherDeliveryReceiver 测试处理器可获得消息的解码时间与协议信息
func TestDispatcherDeliveryReceiver(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	h := &deliveryHandler{testHandler: fx.handler}
	disp, err := NewDispatcher(nil, fx.mc, h, fx.clock)
	require.NoError(t, err)

	fx.clock.Set(time.Unix(1700000000, 0))
	decodedAt := fx.clock.Now()
	require.NoError(t, disp.OnFrame(fx.sess, fx.frame(t, &Ping{Seq: 4})))
	fx.clock.Add(time.Second)
	require.NoError(t, disp.OnFrame(fx.sess, fx.frame(t, &Ping{Seq: 5})))

	require.Len(t, h.deliveries, 2)
	first := h.deliveries[0]
	assert.Equal(t, &Ping{Seq: 4}, first.Msg)
	assert.Equal(t, uint32(1), first.GetProtocolID())
	assert.Same(t, fx.sess, first.Session)
	assert.True(t, decodedAt.Equal(first.ReceivedAt))
	assert.Equal(t, time.Second, h.deliveries[1].ReceivedAt.Sub(first.ReceivedAt))
	assert.NotNil(t, first.Context())
	assert.Empty(t, fx.handler.messages(), "OnMessage is bypassed")
}

// TestDispatcherHandlerPanic 测试处理器 panic 被恢复并上报
func TestDispatcherHandlerPanic(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	fx.handler.onMessage = func(_ *Session, msg any) error {
		if p, ok := msg.(*Ping); ok && p.Seq == 13 {
			panic("unlucky")
		}
		return nil
	}

	assert.NoError(t, fx.disp.OnFrame(fx.sess, fx.frame(t, &Ping{Seq: 13})))
	assert.NoError(t, fx.disp.OnFrame(fx.sess, fx.frame(t, &Ping{Seq: 14})))

	errs := fx.handler.exceptions()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "unlucky")
	assert.Len(t, fx.handler.messages(), 2)
}

func TestDispatcherHandlerError(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	boom := errors.New("boom")
	fx.handler.onMessage = func(*Session, any) error { return boom }

	assert.NoError(t, fx.disp.OnFrame(fx.sess, fx.frame(t, &Pong{Seq: 1})))
	assert.Equal(t, []error{boom}, fx.handler.exceptions())

	// Process reports the handler result on the future
	f := fx.disp.Process(fx.sess, fx.body(t, &Pong{Seq: 2}))
	assert.True(t, f.IsDone())
	assert.ErrorIs(t, f.Err(), boom)
}

// TestDispatcherMinIntervalRateLimit 测试 100ms 最小间隔: 相隔 10ms 的两条消息只接受一条
func TestDispatcherMinIntervalRateLimit(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	fx.reg = NewProtocolRegistry()
	fx.reg.MustRegister(7, &Ping{}, WithRateLimit(NewMinIntervalPolicy(100*time.Millisecond)))
	var err error
	fx.mc, err = NewMessageCodec(fx.reg, FrameCfg{})
	require.NoError(t, err)
	fx.disp, err = NewDispatcher(nil, fx.mc, fx.handler, fx.clock)
	require.NoError(t, err)

	assert.NoError(t, fx.disp.dispatch(fx.sess, fx.body(t, &Ping{Seq: 1}), nil))
	fx.clock.Add(10 * time.Millisecond)
	err = fx.disp.dispatch(fx.sess, fx.body(t, &Ping{Seq: 2}), nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	assert.Equal(t, []any{&Ping{Seq: 1}}, fx.handler.messages())
	assert.Equal(t, []any{&Ping{Seq: 2}}, fx.handler.rateLimited())

	fx.clock.Add(90 * time.Millisecond)
	assert.NoError(t, fx.disp.dispatch(fx.sess, fx.body(t, &Ping{Seq: 3}), nil))
	assert.Len(t, fx.handler.messages(), 2)
}

func TestDispatcherRejectCallback(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	var rejected []any
	require.NoError(t, fx.reg.SetRateLimit(2,
		RateLimitFunc(func(time.Time) bool { return false }),
		func(_ *Session, msg any) { rejected = append(rejected, msg) }))

	assert.NoError(t, fx.disp.OnFrame(fx.sess, fx.frame(t, &Pong{Seq: 5})), "rate limiting is not fatal")
	assert.Equal(t, []any{&Pong{Seq: 5}}, rejected)
	assert.Empty(t, fx.handler.rateLimited(), "reject callback replaces OnRateLimited")
	assert.Empty(t, fx.handler.messages())
}

// TestDispatcherMsgFilterReload 测试消息过滤配置的热更新
func TestDispatcherMsgFilterReload(t *testing.T) {
	fx := newDispatcherFixture(t, &DispatcherConfig{MsgFilter: MsgFilterPluginCfg{MsgFilter: []uint32{1}}})

	require.NoError(t, fx.disp.OnFrame(fx.sess, fx.frame(t, &Ping{Seq: 1})))
	require.NoError(t, fx.disp.OnFrame(fx.sess, fx.frame(t, &Pong{Seq: 1})))
	assert.Equal(t, []any{&Pong{Seq: 1}}, fx.handler.messages())

	fx.disp.Reload(&DispatcherConfig{})
	require.NoError(t, fx.disp.OnFrame(fx.sess, fx.frame(t, &Ping{Seq: 2})))
	assert.Len(t, fx.handler.messages(), 2)
	assert.Empty(t, fx.disp.GetConfig().MsgFilter.MsgFilter)
}

func TestDispatcherPacing(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	fx.clock.Set(time.Unix(1000, 0))
	fx.disp.Reload(&DispatcherConfig{RecvRateLimit: 10})

	require.NoError(t, fx.disp.OnFrame(fx.sess, fx.frame(t, &Ping{Seq: 1})))
	second := fx.frame(t, &Ping{Seq: 2})
	done := make(chan struct{})
	go func() {
		_ = fx.disp.OnFrame(fx.sess, second)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second message was not paced")
	case <-time.After(20 * time.Millisecond):
	}
	fx.clock.Add(100 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("paced message never delivered")
	}
	assert.Len(t, fx.handler.messages(), 2)
}
