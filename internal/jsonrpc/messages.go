// Package jsonrpc holds the JSON-RPC 2.0 envelope types shared by the stdio
// and HTTP transports.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only accepted value of the "jsonrpc" member.
const ProtocolVersion = "2.0"

// ErrBatch is returned by Decode for a top-level JSON array.
var ErrBatch = errors.New("jsonrpc: batch messages are not supported")

// Kind distinguishes the three message shapes.
type Kind string

const (
	KindRequest      Kind = "request"
	KindNotification Kind = "notification"
	KindResponse     Kind = "response"
)

// AnyMessage is a decoded inbound message of any kind. Unmarshalling
// enforces the structural rules of the protocol.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request is a request, or a notification when ID is nil.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response answers exactly one request.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is the error member of a response.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Rejection is an error that cannot be correlated with a request: the body
// failed to parse, or the transport refused it before dispatch. Its id is
// serialized as an explicit null.
type Rejection struct {
	JSONRPCVersion string     `json:"jsonrpc"`
	Error          *Error     `json:"error"`
	ID             *RequestID `json:"id"`
}

// NewRejection builds an uncorrelated error envelope.
func NewRejection(code ErrorCode, message string) *Rejection {
	return &Rejection{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message},
	}
}

// NewResultResponse marshals result into a successful response for id.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

// NewNotification builds a notification with optional params.
func NewNotification(method string, params any) (*Request, error) {
	req := &Request{JSONRPCVersion: ProtocolVersion, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = b
	}
	return req, nil
}

// Decode parses a single message. A leading '[' yields ErrBatch so callers
// can answer with an invalid-request error instead of a parse error.
func Decode(data []byte) (*AnyMessage, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, ErrBatch
	}
	var msg AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type plain AnyMessage
	var raw plain
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil
	switch {
	case raw.Method != "" && (hasResult || hasError):
		return errors.New("request message cannot have result or error fields")
	case raw.Method == "" && hasResult == hasError:
		return errors.New("response message must have exactly one of result or error")
	}

	*m = AnyMessage(raw)
	return nil
}

// Type classifies the message.
func (m *AnyMessage) Type() Kind {
	switch {
	case m.Method == "":
		return KindResponse
	case m.ID == nil:
		return KindNotification
	default:
		return KindRequest
	}
}

// AsRequest returns the request view of m, or nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: m.ID}
}

// AsResponse returns the response view of m, or nil for requests.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}
	return &Response{JSONRPCVersion: m.JSONRPCVersion, Result: m.Result, Error: m.Error, ID: m.ID}
}

// IsRequestFor reports whether m is a request (not a notification) for method.
func (m *AnyMessage) IsRequestFor(method string) bool {
	return m != nil && m.Method == method && !m.ID.IsNil()
}
