package net

import (
	"errors"
	"fmt"
)

var (
	// ErrFramingViolation the inbound byte stream cannot be framed. The connection is closed.
	ErrFramingViolation = errors.New("net: framing violation")
	// ErrUnknownProtocolID a frame names a protocol id nobody registered. Only that message is dropped.
	ErrUnknownProtocolID = errors.New("net: unknown protocol id")
	// ErrDuplicateProtocolID the protocol id is already bound to a type.
	ErrDuplicateProtocolID = errors.New("net: duplicate protocol id")
	// ErrDuplicateMessageType the message type is already bound to another protocol id.
	ErrDuplicateMessageType = errors.New("net: message type already registered")
	// ErrUnregisteredMessage Write was called with a type that has no protocol id.
	ErrUnregisteredMessage = errors.New("net: message type not registered")
	// ErrRegistryFrozen registration after Freeze.
	ErrRegistryFrozen = errors.New("net: protocol registry frozen")
	// ErrRateLimited the inbound message was rejected by its rate-limit policy.
	ErrRateLimited = errors.New("net: rate limited")
	// ErrEncodeFailure the outbound message could not be serialized.
	ErrEncodeFailure = errors.New("net: encode failure")
	// ErrFlushFailed the frame was accepted but never reached the socket.
	ErrFlushFailed = errors.New("net: flush failed")
	// ErrSessionInactive the session has no open connection.
	ErrSessionInactive = errors.New("net: session inactive")
	// ErrSessionDisposed the session was disposed and accepts no more writes.
	ErrSessionDisposed = errors.New("net: session disposed")
	// ErrSendQueueFull the per-connection send queue has no room.
	ErrSendQueueFull = errors.New("net: send queue full")
	// ErrReplayQueueFull the client replay queue is at capacity.
	ErrReplayQueueFull = errors.New("net: replay queue full")
	// ErrReconnectExhausted the client gave up after the configured attempts.
	ErrReconnectExhausted = errors.New("net: reconnect attempts exhausted")
	// ErrClientDisposed the client was disposed.
	ErrClientDisposed = errors.New("net: client disposed")
	// ErrPoolFull the worker pool backlog is full.
	ErrPoolFull = errors.New("net: worker pool full")
	// ErrPoolStopped the worker pool no longer accepts tasks.
	ErrPoolStopped = errors.New("net: worker pool stopped")
)

// FramingError describes why a byte stream was rejected.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "net: framing violation: " + e.Reason
}

// Unwrap ...
func (e *FramingError) Unwrap() error {
	return ErrFramingViolation
}

func framingErrorf(format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}
