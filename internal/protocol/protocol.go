package protocol

import (
	"encoding/json"
	"fmt"
)

// Wire error codes shared by engine and providers.
const (
	CodeBadRequest    = 400
	CodeUnknownMethod = 404
	CodeInternal      = 500
)

// Method enumerates the RPC methods every capability provider must answer.
type Method string

const (
	MethodCapabilities Method = "capabilities"
	MethodInitialize   Method = "initialize"
	MethodIntrospect   Method = "introspect"
	MethodExecute      Method = "execute"
	MethodHealth       Method = "health"
	MethodShutdown     Method = "shutdown"
)

// Methods lists every defined method. Dispatch tables are validated against it
// so a provider cannot ship with a hole in its method coverage.
func Methods() []Method {
	return []Method{
		MethodCapabilities,
		MethodInitialize,
		MethodIntrospect,
		MethodExecute,
		MethodHealth,
		MethodShutdown,
	}
}

// Valid reports whether m is one of the defined methods.
func (m Method) Valid() bool {
	switch m {
	case MethodCapabilities, MethodInitialize, MethodIntrospect,
		MethodExecute, MethodHealth, MethodShutdown:
		return true
	}
	return false
}

// Introspect subject kinds.
const (
	IntrospectSteps        = "steps"
	IntrospectCapabilities = "capabilities"
)

// Request is the wire request envelope.
type Request struct {
	ID     string          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the wire response envelope. Exactly one of Result/Error is set.
type Response struct {
	ID     string  `json:"id"`
	Type   string  `json:"type"`
	Result *Result `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`
}

// Result carries a successful payload.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error carries a failure code and message.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Capabilities is the payload returned by the capabilities method.
type Capabilities struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	SupportedActions []string `json:"supportedActions"`
}

// ExecuteParams is the params shape for the execute method.
type ExecuteParams struct {
	Action string `json:"action"`
	Args   []any  `json:"args"`
}

// IntrospectParams is the params shape for the introspect method.
type IntrospectParams struct {
	Type string `json:"type"`
}

// HealthStatus is the payload returned by the health method and the
// provider-side health CLI command.
type HealthStatus struct {
	Status   string `json:"status"`
	PID      int    `json:"pid"`
	UptimeMS int64  `json:"uptime_ms"`
	MemoryKB int64  `json:"memory_kb,omitempty"`
}

// NewRequest builds a request with marshaled params. A nil params value leaves
// the field absent from the frame.
func NewRequest(id string, method Method, params any) (Request, error) {
	req := Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// OkResponse builds a success response with a marshaled data payload.
func OkResponse(id string, data any) Response {
	res := &Result{Success: true}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			res.Data = raw
		}
	}
	return Response{ID: id, Type: "response", Result: res}
}

// ErrResponse builds an error response.
func ErrResponse(id string, code int, message string) Response {
	return Response{ID: id, Type: "response", Error: &Error{Code: code, Message: message}}
}

// Validate checks an inbound request envelope. Missing id or method is a 400;
// an unknown method is a 404. The returned Error is nil when the envelope is
// well formed.
func (r *Request) Validate() *Error {
	if r.ID == "" {
		return &Error{Code: CodeBadRequest, Message: "missing request id"}
	}
	if r.Method == "" {
		return &Error{Code: CodeBadRequest, Message: "missing method"}
	}
	if !r.Method.Valid() {
		return &Error{Code: CodeUnknownMethod, Message: fmt.Sprintf("unknown method: %s", r.Method)}
	}
	return nil
}
