package net

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegistryRegister 测试协议注册与查询
func TestRegistryRegister(t *testing.T) {
	reg := testRegistry(t)

	pi, ok := reg.GetProtoInfo(1)
	if !ok {
		t.Fatal("protocol 1 not found")
	}
	if pi.Name != "Ping" {
		t.Errorf("Name = %q, want Ping", pi.Name)
	}
	if got, _ := reg.GetProtoInfo(4); got.Name != "Text" {
		t.Errorf("Name = %q, want Text", got.Name)
	}

	info, ok := reg.InfoOf(&Pong{})
	if !ok || info.ID != 2 {
		t.Errorf("InfoOf(&Pong{}) = %v, %v", info, ok)
	}
	// a struct value resolves to its pointer registration
	if byValue, ok := reg.InfoOf(Pong{}); !ok || byValue != info {
		t.Errorf("InfoOf(Pong{}) = %v, %v", byValue, ok)
	}
	if _, ok := reg.InfoOf(nil); ok {
		t.Error("InfoOf(nil) should not match")
	}

	msg, err := reg.CreateMsg(3)
	if err != nil {
		t.Fatalf("CreateMsg(3) error: %v", err)
	}
	if _, ok := msg.(*Chat); !ok {
		t.Errorf("CreateMsg(3) returned %T", msg)
	}
	if _, err := reg.CreateMsg(100); !errors.Is(err, ErrUnknownProtocolID) {
		t.Errorf("CreateMsg(100) error = %v", err)
	}
	if !reg.ContainsMsg(2) || reg.ContainsMsg(100) {
		t.Error("ContainsMsg mismatch")
	}
	assert.Equal(t, []uint32{1, 2, 3, 4}, reg.IDs())
}

// TestRegistryDuplicates 测试重复 id 与重复类型被拒绝
func TestRegistryDuplicates(t *testing.T) {
	reg := NewProtocolRegistry()
	first := reg.MustRegister(1, &Ping{})

	_, err := reg.Register(1, &Pong{})
	assert.ErrorIs(t, err, ErrDuplicateProtocolID)

	_, err = reg.Register(2, &Ping{})
	assert.ErrorIs(t, err, ErrDuplicateMessageType)

	// the original binding is untouched
	pi, ok := reg.GetProtoInfo(1)
	require.True(t, ok)
	assert.Same(t, first, pi)
	assert.False(t, reg.ContainsMsg(2))

	assert.Panics(t, func() { reg.MustRegister(1, &Chat{}) })
}

func TestRegistryFreeze(t *testing.T) {
	reg := NewProtocolRegistry()
	reg.MustRegister(1, &Ping{})
	reg.Freeze()
	assert.True(t, reg.Frozen())

	_, err := reg.Register(2, &Pong{})
	assert.ErrorIs(t, err, ErrRegistryFrozen)

	// policies may still change after freezing
	policy := NewMinIntervalPolicy(time.Second)
	require.NoError(t, reg.SetRateLimit(1, policy, nil))
	pi, _ := reg.GetProtoInfo(1)
	assert.Same(t, policy, pi.RateLimit)
	byType, _ := reg.InfoOf(&Ping{})
	assert.Same(t, pi, byType)

	assert.ErrorIs(t, reg.SetRateLimit(9, policy, nil), ErrUnknownProtocolID)
}

func TestRegistryGetAllMsgList(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.SetRateLimit(3, NewTokenBucketPolicy(10, 1), nil))

	limited := reg.GetAllMsgList(func(pi *ProtocolInfo) bool { return pi.HasRateLimit() })
	assert.Equal(t, []uint32{3}, limited)

	protos := reg.GetAllMsgList(func(pi *ProtocolInfo) bool { return pi.Proto })
	assert.Equal(t, []uint32{4}, protos)
}

// TestRegistryConcurrentLookup 测试注册期间的并发读取
func TestRegistryConcurrentLookup(t *testing.T) {
	type m0 struct{ A int }
	type m1 struct{ A int }
	type m2 struct{ A int }
	type m3 struct{ A int }
	prototypes := []any{&m0{}, &m1{}, &m2{}, &m3{}}

	reg := NewProtocolRegistry()
	reg.MustRegister(100, &Ping{})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if !reg.ContainsMsg(100) {
					t.Error("existing protocol disappeared")
					return
				}
			}
		}()
	}
	for i, p := range prototypes {
		_, err := reg.Register(uint32(i), p)
		assert.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Len(t, reg.IDs(), 5)
}
