// Package mapper converts between wire payloads, domain entities, and models.
//
// LSP payloads are relayed opaquely, so mapping works directly on raw JSON:
// only the lspMux configuration block and the envelope fields needed for
// routing get structured access, and every other byte must survive untouched.
package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/publicqi/ra-multiplex/src/lspmux/entity"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/uri"
)

const _muxOptionsPath = "initializationOptions." + entity.MuxOptionsKey

var (
	// ErrMissingMuxOptions reports initialize params without an initializationOptions.lspMux block.
	ErrMissingMuxOptions = errors.New("initialize params are missing initializationOptions.lspMux")
)

// ParamsToMuxOptions extracts the lspMux configuration block from raw
// initialize params.
func ParamsToMuxOptions(params json.RawMessage) (entity.MuxOptions, error) {
	var opts entity.MuxOptions

	block := gjson.GetBytes(params, _muxOptionsPath)
	if !block.Exists() {
		return opts, ErrMissingMuxOptions
	}
	if err := json.Unmarshal([]byte(block.Raw), &opts); err != nil {
		return opts, fmt.Errorf("decoding lspMux options: %w", err)
	}
	if opts.Version == "" {
		return opts, errors.New("lspMux options: missing field \"version\"")
	}
	if opts.Server == "" {
		return opts, errors.New("lspMux options: missing field \"server\"")
	}
	return opts, nil
}

// StripMuxOptions removes the lspMux block from raw initialize params,
// leaving every other byte of the payload untouched. Stripping an
// already-stripped payload is a no-op.
func StripMuxOptions(params json.RawMessage) (json.RawMessage, error) {
	if !gjson.GetBytes(params, _muxOptionsPath).Exists() {
		return params, nil
	}
	stripped, err := sjson.DeleteBytes(params, _muxOptionsPath)
	if err != nil {
		return nil, fmt.Errorf("stripping lspMux options: %w", err)
	}
	return stripped, nil
}

// ParamsToWorkspaceRoot derives the workspace root from raw initialize
// params, preferring rootUri, then rootPath, then the first workspace folder.
func ParamsToWorkspaceRoot(params json.RawMessage) string {
	if root := gjson.GetBytes(params, "rootUri"); root.Type == gjson.String {
		return uriToPath(root.String())
	}
	if root := gjson.GetBytes(params, "rootPath"); root.Type == gjson.String {
		return root.String()
	}
	if folder := gjson.GetBytes(params, "workspaceFolders.0.uri"); folder.Type == gjson.String {
		return uriToPath(folder.String())
	}
	return ""
}

func uriToPath(s string) string {
	if !strings.HasPrefix(s, "file://") {
		return s
	}
	return uri.New(s).Filename()
}

// ParamsToCancelID extracts the request id carried by a $/cancelRequest payload.
func ParamsToCancelID(params json.RawMessage) (jsonrpc2.ID, bool) {
	id := gjson.GetBytes(params, "id")
	switch id.Type {
	case gjson.Number:
		return jsonrpc2.NewNumberID(int32(id.Int())), true
	case gjson.String:
		return jsonrpc2.NewStringID(id.String()), true
	}
	return jsonrpc2.ID{}, false
}

// CancelParamsWithID rewrites the id carried by a $/cancelRequest payload,
// preserving any other keys.
func CancelParamsWithID(params json.RawMessage, id jsonrpc2.ID) (json.RawMessage, error) {
	raw, err := json.Marshal(&id)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(params, "id", raw)
}
