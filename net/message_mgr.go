// This file implements the protocol registry binding protocol ids to message types.
package net

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/lcx/kin/codec"
)

type protocolTable struct {
	byID   map[uint32]*ProtocolInfo
	byType map[reflect.Type]*ProtocolInfo
}

// ProtocolRegistry is the central registry for protocol metadata.
// Registrations copy the table and publish it atomically, so lookups on the
// receive path never take a lock. It is meant to be populated at startup and
// then frozen.
type ProtocolRegistry struct {
	mu     sync.Mutex
	table  atomic.Pointer[protocolTable]
	frozen atomic.Bool

	// BodyCodec encodes the fields after the protocol id. Nil uses the
	// process codec installed with codec.SetCodec.
	BodyCodec codec.Codec
}

// NewProtocolRegistry creates an empty registry.
func NewProtocolRegistry() *ProtocolRegistry {
	m := &ProtocolRegistry{}
	m.table.Store(&protocolTable{
		byID:   map[uint32]*ProtocolInfo{},
		byType: map[reflect.Type]*ProtocolInfo{},
	})
	return m
}

var defaultRegistry = NewProtocolRegistry()

// DefaultRegistry returns the process-wide registry used when none is configured.
func DefaultRegistry() *ProtocolRegistry {
	return defaultRegistry
}

// RegisterProtocol registers prototype under id in the default registry.
func RegisterProtocol(id uint32, prototype any, opts ...ProtocolOption) (*ProtocolInfo, error) {
	return defaultRegistry.Register(id, prototype, opts...)
}

// Register binds id to the type of prototype. The message codec is derived
// here, so unsupported field kinds fail now rather than on first traffic.
// Parameters:
// - id: protocol id written at the front of every body
// - prototype: a value or pointer of the message struct type
// - opts: rate limit, reject callback, name
func (m *ProtocolRegistry) Register(id uint32, prototype any, opts ...ProtocolOption) (*ProtocolInfo, error) {
	if m.frozen.Load() {
		return nil, ErrRegistryFrozen
	}
	pi, err := newProtocolInfo(id, prototype)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(pi)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen.Load() {
		return nil, ErrRegistryFrozen
	}
	old := m.table.Load()
	if p, ok := old.byID[id]; ok {
		return nil, fmt.Errorf("%w: %d already bound to %s", ErrDuplicateProtocolID, id, p.Type)
	}
	if p, ok := old.byType[pi.Type]; ok {
		return nil, fmt.Errorf("%w: %s already bound to %d", ErrDuplicateMessageType, pi.Type, p.ID)
	}

	next := &protocolTable{
		byID:   maps.Clone(old.byID),
		byType: maps.Clone(old.byType),
	}
	next.byID[id] = pi
	next.byType[pi.Type] = pi
	m.table.Store(next)
	return pi, nil
}

// MustRegister is like Register but panics, for registrations in init or main.
func (m *ProtocolRegistry) MustRegister(id uint32, prototype any, opts ...ProtocolOption) *ProtocolInfo {
	pi, err := m.Register(id, prototype, opts...)
	if err != nil {
		panic(err)
	}
	return pi
}

// SetRateLimit replaces the admission policy of a registered id. It stays
// allowed after Freeze so limits can follow configuration reloads.
func (m *ProtocolRegistry) SetRateLimit(id uint32, policy RateLimitPolicy, onReject RejectFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.table.Load()
	p, ok := old.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProtocolID, id)
	}
	cp := *p
	cp.RateLimit = policy
	cp.OnReject = onReject

	next := &protocolTable{
		byID:   maps.Clone(old.byID),
		byType: maps.Clone(old.byType),
	}
	next.byID[id] = &cp
	next.byType[cp.Type] = &cp
	m.table.Store(next)
	return nil
}

// Freeze rejects every later Register call.
func (m *ProtocolRegistry) Freeze() {
	m.frozen.Store(true)
}

// Frozen reports whether Freeze was called.
func (m *ProtocolRegistry) Frozen() bool {
	return m.frozen.Load()
}

// GetProtoInfo retrieves the protocol information for a given id.
func (m *ProtocolRegistry) GetProtoInfo(id uint32) (*ProtocolInfo, bool) {
	pi, ok := m.table.Load().byID[id]
	return pi, ok
}

// InfoOf looks a message up by its dynamic type. A struct value resolves to
// the registration of its pointer type.
func (m *ProtocolRegistry) InfoOf(msg any) (*ProtocolInfo, bool) {
	t := reflect.TypeOf(msg)
	if t == nil {
		return nil, false
	}
	if t.Kind() == reflect.Struct {
		t = reflect.PointerTo(t)
	}
	pi, ok := m.table.Load().byType[t]
	return pi, ok
}

// CreateMsg creates a new message instance for id.
func (m *ProtocolRegistry) CreateMsg(id uint32) (any, error) {
	info, ok := m.GetProtoInfo(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProtocolID, id)
	}
	return info.New(), nil
}

// ContainsMsg checks if id is registered.
func (m *ProtocolRegistry) ContainsMsg(id uint32) bool {
	_, ok := m.GetProtoInfo(id)
	return ok
}

// IDs returns every registered id in ascending order.
func (m *ProtocolRegistry) IDs() []uint32 {
	return slices.Sorted(maps.Keys(m.table.Load().byID))
}

// GetAllMsgList returns the ids, ascending, whose info passes checkFunc.
func (m *ProtocolRegistry) GetAllMsgList(checkFunc func(protoInfo *ProtocolInfo) bool) []uint32 {
	t := m.table.Load()
	ids := make([]uint32, 0, len(t.byID))
	for id, pi := range t.byID {
		if checkFunc(pi) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
