package participant

import "encoding/json"

// JSONRPCRequest is the payload shape of an mcp/request envelope: a plain
// JSON-RPC 2.0 request, stamped with an inner id distinct from the
// envelope's own id (spec §4.7: "stamps an inner JSON-RPC id").
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is the payload shape of an mcp/response envelope.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the JSON-RPC 2.0 error object carried by a rejected
// mcp/response.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	if e == nil {
		return "jsonrpc: nil error"
	}
	return e.Message
}

// cancelledNotificationParams is the payload.params shape of the
// best-effort notifications/cancelled request emitted when a pending
// request's deadline elapses (spec §4.7/§S5).
type cancelledNotificationParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason"`
}
