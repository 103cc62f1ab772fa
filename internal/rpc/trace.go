package rpc

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// traceEnvelope peels out only the fields ExtractTraceID needs, leaving
// method dispatch to decode the rest of the request on its own terms.
type traceEnvelope struct {
	TraceID string          `json:"trace_id"`
	Meta    json.RawMessage `json:"meta"`
	Params  json.RawMessage `json:"params"`
}

type traceHolder struct {
	TraceID string `json:"trace_id"`
}

// ExtractTraceID finds a request's trace id by the same precedence as
// trace_id_from_raw_request: a top-level trace_id field, then
// meta.trace_id, then params.trace_id, falling back to a generated UUID
// when none of those are present or all are blank.
func ExtractTraceID(raw []byte) string {
	var env traceEnvelope
	if err := json.Unmarshal(raw, &env); err == nil {
		if id := firstNonBlank(env.TraceID, holderTraceID(env.Meta), holderTraceID(env.Params)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func holderTraceID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var h traceHolder
	if err := json.Unmarshal(raw, &h); err != nil {
		return ""
	}
	return h.TraceID
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
