package errors

import (
	"encoding/json"
	stderr "errors"

	"go.lsp.dev/jsonrpc2"
)

// IsMalformedMessage reports whether err is a payload decode failure on an
// otherwise intact stream. The transport consumes the full Content-Length
// body before decoding it, so framing stays in sync after such an error and
// the stream can keep being read; transport failures (EOF, closed or broken
// connections) are what actually end a stream.
func IsMalformedMessage(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var wireErr *jsonrpc2.Error
	return stderr.As(err, &syntaxErr) || stderr.As(err, &typeErr) || stderr.As(err, &wireErr)
}
