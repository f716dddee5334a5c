package errors

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
)

func TestIsMalformedMessage(t *testing.T) {
	var target struct {
		ID int `json:"id"`
	}
	syntaxErr := json.Unmarshal([]byte(`{"jsonrpc":`), &target)
	require.Error(t, syntaxErr)
	typeErr := json.Unmarshal([]byte(`{"id":"not-a-number"}`), &target)
	require.Error(t, typeErr)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "truncated json body",
			err:  syntaxErr,
			want: true,
		},
		{
			name: "wrapped json syntax error",
			err:  fmt.Errorf("unmarshaling jsonrpc message: %w", syntaxErr),
			want: true,
		},
		{
			name: "json type error",
			err:  typeErr,
			want: true,
		},
		{
			name: "wire-level error",
			err:  jsonrpc2.NewError(jsonrpc2.InvalidRequest, "invalid request"),
			want: true,
		},
		{
			name: "eof",
			err:  io.EOF,
			want: false,
		},
		{
			name: "wrapped eof",
			err:  fmt.Errorf("failed reading header line: %w", io.EOF),
			want: false,
		},
		{
			name: "closed pipe",
			err:  io.ErrClosedPipe,
			want: false,
		},
		{
			name: "network error",
			err:  &net.OpError{Op: "read", Err: fmt.Errorf("connection reset by peer")},
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMalformedMessage(tt.err))
		})
	}
}
