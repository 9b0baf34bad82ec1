package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeNetError struct {
	msg     string
	timeout bool
}

func (e *fakeNetError) Error() string   { return e.msg }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

var _ net.Error = (*fakeNetError)(nil)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected RecoveryAction
	}{
		{"nil error", nil, NoRetry},
		{"context canceled", context.Canceled, NoRetry},
		{"deadline exceeded", context.DeadlineExceeded, NoRetry},
		{"wrapped cancellation", errors.Join(errors.New("call failed"), context.Canceled), NoRetry},
		{"eof", io.EOF, RetryNewSession},
		{"unexpected eof", io.ErrUnexpectedEOF, RetryNewSession},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8080: connection refused"), RetryNewSession},
		{"connection reset", errors.New("read tcp: connection reset by peer"), RetryNewSession},
		{"broken pipe", errors.New("write: broken pipe"), RetryNewSession},
		{"net timeout", &fakeNetError{msg: "i/o timeout", timeout: true}, NoRetry},
		{"net non-timeout", &fakeNetError{msg: "connection refused"}, RetryNewSession},
		{"protocol method not found", errors.New("JSON-RPC error: method not found"), NoRetry},
		{"protocol invalid params", errors.New("invalid params: missing required field"), NoRetry},
		{"unknown error", errors.New("something unexpected happened"), NoRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyError(tt.err))
		})
	}
}
