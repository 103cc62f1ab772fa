package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/scriptum/daemon/internal/logger"
	"github.com/scriptum/daemon/internal/scerr"
)

func decodeResponse(t *testing.T, raw []byte) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v, raw=%s", err, raw)
	}
	return resp
}

func TestDispatchUnknownMethodReturnsMethodNotFound(t *testing.T) {
	d := New()
	resp := decodeResponse(t, d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"bogus.method","id":1}`)))
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp.Error)
	}
}

func TestDispatchMalformedRequestReturnsParseError(t *testing.T) {
	d := New()
	resp := decodeResponse(t, d.Dispatch(context.Background(), []byte(`not json`)))
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Fatalf("expected ParseError, got %+v", resp.Error)
	}
}

func TestDispatchSuccessEchoesIDAndTraceID(t *testing.T) {
	d := New()
	d.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	resp := decodeResponse(t, d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"echo","id":42,"trace_id":"t-1"}`)))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if string(resp.ID) != "42" {
		t.Fatalf("id = %s, want 42", resp.ID)
	}
	if resp.TraceID != "t-1" {
		t.Fatalf("trace_id = %s, want t-1", resp.TraceID)
	}
}

func TestDispatchHandlerErrorMapsScerrKind(t *testing.T) {
	d := New()
	d.Register("fail", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, scerr.New(scerr.NotFound, "nope")
	})
	resp := decodeResponse(t, d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"fail","id":1}`)))
	if resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Data["kind"] != string(scerr.NotFound) {
		t.Fatalf("data.kind = %v, want NOT_FOUND", resp.Error.Data["kind"])
	}
}

func TestDispatchPropagatesTraceIDIntoHandlerContext(t *testing.T) {
	d := New()
	var seen string
	d.Register("capture", func(ctx context.Context, params json.RawMessage) (any, error) {
		seen = logger.TraceFromContext(ctx)
		return nil, nil
	})
	d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"capture","id":1,"trace_id":"t-captured"}`))
	if seen != "t-captured" {
		t.Fatalf("handler saw trace id %q, want t-captured", seen)
	}
}
