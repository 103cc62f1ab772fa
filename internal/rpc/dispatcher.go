// Package rpc implements RpcDispatcher: routing for the daemon's
// non-sync JSON-RPC surface over a Unix-domain socket and a `/rpc`
// WebSocket, with trace-id extraction and propagation through
// context.Context (Go's stand-in for a task-local scope).
package rpc

import (
	"context"
	"encoding/json"

	"github.com/scriptum/daemon/internal/logger"
	"github.com/scriptum/daemon/internal/scerr"
)

// Request is one JSON-RPC 2.0 call. ID is kept as raw JSON so it can be
// a number, string, or omitted without the dispatcher caring.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response mirrors Request: exactly one of Result/Error is set, and
// TraceID always echoes back the id the dispatcher resolved so a caller
// that omitted one can still correlate logs.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	TraceID string          `json:"trace_id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC 2.0 error object, with Data carrying the core's
// own scerr.Kind so a client can branch on the same closed error set the
// sync protocol uses.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 codes, plus one implementation-defined code in
// the reserved -32000..-32099 server-error band for everything scerr
// raises that isn't already a protocol-level concern.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeServerError    = -32000
)

// Handler services one method call. ctx carries the request's trace id,
// retrievable via logger.TraceFromContext.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher is the process-wide JSON-RPC method registry shared by the
// Unix socket and `/rpc` WebSocket transports.
type Dispatcher struct {
	methods map[string]Handler
}

// New returns an empty Dispatcher; call Register for every method in the
// closed set before serving traffic.
func New() *Dispatcher {
	return &Dispatcher{methods: make(map[string]Handler)}
}

// Register binds method to h, overwriting any previous handler for the
// same name.
func (d *Dispatcher) Register(method string, h Handler) {
	d.methods[method] = h
}

// Dispatch decodes one raw JSON-RPC request, extracts its trace id,
// invokes the matching handler, and returns the encoded response. It
// never panics on malformed input: unparseable requests get a
// ParseError response instead of being dropped on the floor, so a
// misbehaving client doesn't silently lose why its call failed.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) []byte {
	traceID := ExtractTraceID(raw)
	ctx = logger.ContextWithTrace(ctx, traceID)

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return encode(Response{
			JSONRPC: "2.0",
			TraceID: traceID,
			Error:   &Error{Code: codeParseError, Message: "invalid JSON-RPC request"},
		})
	}

	resp := Response{JSONRPC: "2.0", ID: req.ID, TraceID: traceID}

	h, ok := d.methods[req.Method]
	if !ok {
		resp.Error = &Error{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
		return encode(resp)
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		resp.Error = errorToRPC(err)
		return encode(resp)
	}
	resp.Result = result
	return encode(resp)
}

func errorToRPC(err error) *Error {
	if se, ok := scerr.As(err); ok {
		code := codeServerError
		if se.Kind == scerr.MethodNotFound {
			code = codeMethodNotFound
		}
		if se.Kind == scerr.ProtocolError || se.Kind == scerr.DecodeError {
			code = codeInvalidParams
		}
		data := map[string]any{"kind": string(se.Kind), "retryable": se.Retryable}
		if se.DocID != "" {
			data["doc_id"] = se.DocID
		}
		return &Error{Code: code, Message: se.Message, Data: data}
	}
	return &Error{Code: codeInternalError, Message: err.Error()}
}

func encode(resp Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		// resp is built entirely from this package's own types plus
		// caller-supplied `any` results that every handler constructs
		// from JSON-safe values; a marshal failure here means a handler
		// returned something unmarshalable, which is a programming
		// error worth surfacing rather than swallowing.
		return encode(Response{
			JSONRPC: resp.JSONRPC,
			ID:      resp.ID,
			TraceID: resp.TraceID,
			Error:   &Error{Code: codeInternalError, Message: "failed to encode response: " + err.Error()},
		})
	}
	return data
}
