package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction says how to handle a failed server operation.
type RecoveryAction int

const (
	// NoRetry: the error is not recoverable (bad request, auth, timeout).
	NoRetry RecoveryAction = iota
	// RetrySameSession: transient, retry on the existing session.
	RetrySameSession
	// RetryNewSession: transport-level failure, reconnect first.
	RetryNewSession
)

const (
	// InitTimeout bounds the transport setup plus protocol handshake when a
	// server first connects.
	InitTimeout = 20 * time.Second

	// ReinitTimeout bounds session recreation during recovery. Tighter than
	// InitTimeout: recovery happens inside a tool call the agent is waiting on.
	ReinitTimeout = 10 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and ListTools.
	// External tools can be legitimately slow; the event processing timeout
	// above this is the hard ceiling.
	OperationTimeout = 60 * time.Second

	// RetryBackoffMin and RetryBackoffMax bound the jittered pause before
	// the single retry attempt.
	RetryBackoffMin = 250 * time.Millisecond
	RetryBackoffMax = 750 * time.Millisecond

	// HealthInterval is the health probe loop period.
	HealthInterval = 30 * time.Second

	// HealthPingTimeout bounds one health probe.
	HealthPingTimeout = 5 * time.Second
)

// ClassifyError picks the recovery action for a failed server operation.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}

	// Cancellation and deadlines propagate; retrying would overrun the
	// caller's budget.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NoRetry // likely a slow server, not a dead connection
		}
		return RetryNewSession
	}

	if isConnectionError(err) {
		return RetryNewSession
	}

	// Protocol-level errors are client mistakes; retrying reproduces them.
	if isProtocolError(err) {
		return NoRetry
	}

	// Unknown errors are not safe to retry.
	return NoRetry
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// isProtocolError detects JSON-RPC errors surfaced by the SDK.
func isProtocolError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"method not found",
		"invalid params",
		"invalid request",
		"parse error",
	} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
