package net

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorkerPoolSubmit 测试任务提交与停止
func TestWorkerPoolSubmit(t *testing.T) {
	wp := NewWorkerPool(4, 16)
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, wp.Submit(func() { ran.Add(1) }))
	}
	require.NoError(t, wp.Submit(func() { panic("task failed") }))
	wp.Stop()
	wp.Stop()
	assert.Equal(t, int32(10), ran.Load())
	assert.ErrorIs(t, wp.Submit(func() {}), ErrPoolStopped)
}

func TestWorkerPoolFull(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	release := make(chan struct{})
	defer func() {
		close(release)
		wp.Stop()
	}()

	// one task runs, one waits in the runner, one fills the backlog
	var full error
	for i := 0; i < 4 && full == nil; i++ {
		full = wp.Submit(func() { <-release })
		time.Sleep(5 * time.Millisecond)
	}
	assert.ErrorIs(t, full, ErrPoolFull)
}

// TestWorkerPoolSubmitReply 测试在工作池中处理并通过会话回复
func TestWorkerPoolSubmitReply(t *testing.T) {
	fx := newPipeFixture(t)
	wp := NewWorkerPool(2, 8)
	defer wp.Stop()

	fx.handler.onMessage = func(s *Session, msg any) error {
		p := msg.(*Ping)
		return wp.SubmitReply(s, func() (any, error) {
			if p.Seq < 0 {
				return nil, errors.New("negative")
			}
			return &Pong{Seq: p.Seq * 2}, nil
		})
	}

	enc := NewFrameEncoder(FrameCfg{}, Upstream)
	w := fx.sess.NewOutboundBuffer()
	require.NoError(t, enc.Encode(w, fx.body(t, &Ping{Seq: -1})))
	require.NoError(t, enc.Encode(w, fx.body(t, &Ping{Seq: 21})))
	go func() { _, _ = fx.peer.Write(w.Bytes()) }()

	assert.Equal(t, &Pong{Seq: 42}, fx.readDownstream(t))
}
