// Package net provides the kin transport: framing, protocol registration,
// dispatch, sessions and the reconnecting client.
// This file defines the per-protocol metadata stored in the registry.
package net

import (
	"fmt"
	"reflect"

	"github.com/lcx/kin/codec"
	"google.golang.org/protobuf/proto"
)

// ProtocolInfo contains metadata and handling information for one protocol id.
// Values are immutable once published by the registry.
type ProtocolInfo struct {
	ID   uint32       // Protocol id written at the front of every body
	Name string       // Human readable name used in logs and metrics, defaults to the type name
	Type reflect.Type // Pointer type of the message
	New  func() any   // Factory for an empty message

	Codec *codec.TypeCodec // Derived field plan, nil for protobuf messages
	Proto bool             // The message is a proto.Message, the default body codec uses protobuf for it

	RateLimit RateLimitPolicy // Admission policy, nil admits everything
	OnReject  RejectFunc      // Called instead of the handler when RateLimit rejects
}

// GetID returns the protocol id, zero for a nil info.
func (pi *ProtocolInfo) GetID() uint32 {
	if pi != nil {
		return pi.ID
	}
	return 0
}

// GetName returns the protocol name.
func (pi *ProtocolInfo) GetName() string {
	if pi != nil {
		return pi.Name
	}
	return ""
}

// HasRateLimit reports whether a policy is attached.
func (pi *ProtocolInfo) HasRateLimit() bool {
	return pi != nil && pi.RateLimit != nil
}

// encode appends the fields of msg with bc, nil uses the process codec.
// A value of the message struct is encoded through an addressable copy.
func (pi *ProtocolInfo) encode(w *codec.Writer, bc codec.Codec, msg any) error {
	if reflect.TypeOf(msg) == pi.Type.Elem() {
		p := reflect.New(pi.Type.Elem())
		p.Elem().Set(reflect.ValueOf(msg))
		msg = p.Interface()
	}
	if bc == nil {
		return codec.Encode(w, msg)
	}
	return bc.Encode(w, msg)
}

func (pi *ProtocolInfo) decode(r *codec.Reader, bc codec.Codec) (any, error) {
	msg := pi.New()
	var err error
	if bc == nil {
		err = codec.Decode(r, msg)
	} else {
		err = bc.Decode(r, msg)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ProtocolOption customizes a registration.
type ProtocolOption func(*ProtocolInfo)

// WithRateLimit attaches an admission policy to the protocol id.
func WithRateLimit(policy RateLimitPolicy) ProtocolOption {
	return func(pi *ProtocolInfo) {
		pi.RateLimit = policy
	}
}

// WithRejectFunc sets the callback run when the rate-limit policy rejects a message.
func WithRejectFunc(fn RejectFunc) ProtocolOption {
	return func(pi *ProtocolInfo) {
		pi.OnReject = fn
	}
}

// WithProtocolName overrides the name derived from the message type.
func WithProtocolName(name string) ProtocolOption {
	return func(pi *ProtocolInfo) {
		pi.Name = name
	}
}

// MsgCreator creates message instances by protocol id.
type MsgCreator interface {
	// CreateMsg returns an empty message for id.
	CreateMsg(id uint32) (any, error)
	// ContainsMsg reports whether id is registered.
	ContainsMsg(id uint32) bool
}

// newProtocolInfo derives everything the registry needs to know about prototype.
func newProtocolInfo(id uint32, prototype any) (*ProtocolInfo, error) {
	if prototype == nil {
		return nil, fmt.Errorf("protocol %d: nil prototype", id)
	}
	t := reflect.TypeOf(prototype)
	if t.Kind() != reflect.Pointer {
		t = reflect.PointerTo(t)
	}
	if t.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("protocol %d: %w: %s is not a struct", id, codec.ErrUnsupportedFieldKind, t.Elem())
	}

	pi := &ProtocolInfo{
		ID:   id,
		Name: t.Elem().Name(),
		Type: t,
	}
	if t.Implements(reflect.TypeFor[proto.Message]()) {
		pm := reflect.New(t.Elem()).Interface().(proto.Message)
		pi.Proto = true
		pi.New = func() any { return pm.ProtoReflect().New().Interface() }
		return pi, nil
	}

	tc, err := codec.CodecOf(t)
	if err != nil {
		return nil, fmt.Errorf("protocol %d: %w", id, err)
	}
	pi.Codec = tc
	pi.New = tc.New
	return pi, nil
}
