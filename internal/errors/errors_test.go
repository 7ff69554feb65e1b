package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "kind only",
			err:  &Error{Kind: NotFound},
			want: "deskgate: not found",
		},
		{
			name: "op and subject",
			err:  E(ConnectTimeout, "transport.open", "10.0.0.5:3389", nil),
			want: "transport.open 10.0.0.5:3389: connect timed out",
		},
		{
			name: "wrapped",
			err:  E(NetworkError, "transport.send", "", fmt.Errorf("broken pipe")),
			want: "transport.send: network error: broken pipe",
		},
		{
			name: "message override",
			err:  Newf(InvalidConfig, "session.config", "port %d out of range", 70000),
			want: "session.config: port 70000 out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("create: %w", E(ConnectTimeout, "transport.open", "h:1", context.DeadlineExceeded))

	assert.True(t, stderrors.Is(err, ErrConnectTimeout))
	assert.False(t, stderrors.Is(err, ErrConnectionRefused))
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, ConnectTimeout, KindOf(err))
	assert.Equal(t, Unknown, KindOf(stderrors.New("plain")))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"deadline", context.DeadlineExceeded, ConnectTimeout},
		{"os deadline", os.ErrDeadlineExceeded, ConnectTimeout},
		{"net timeout", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}, ConnectTimeout},
		{"refused", refused, ConnectionRefused},
		{"other", stderrors.New("no route to host"), NetworkError},
		{"already classified", E(MalformedFrame, "decode", "", nil), MalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindCodesAreUnique(t *testing.T) {
	seen := make(map[string]Kind)
	for k, tmpl := range registry {
		require.NotEmpty(t, tmpl.Code, k)
		if other, dup := seen[tmpl.Code]; dup {
			t.Fatalf("code %s shared by %s and %s", tmpl.Code, other, k)
		}
		seen[tmpl.Code] = k
	}
	assert.Equal(t, "DG000", Unknown.Code())
	assert.Equal(t, "connect_timeout", ConnectTimeout.String())
}

func TestClassHelpers(t *testing.T) {
	assert.True(t, IsConnectError(ErrConnectionRefused))
	assert.False(t, IsConnectError(ErrNotFound))
	assert.True(t, IsRecoverable(E(MalformedFrame, "decode", "", nil)))
	assert.False(t, IsRecoverable(ErrNetwork))
}
