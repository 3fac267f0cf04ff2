// Package message defines the envelopes exchanged between a caller and the middleware daemon.
//
// Every logical frame on the persistent channel carries exactly one JSON object.
// The "msg" field selects the envelope kind:
//
//	inbound:  {"msg":"method","id":<token>,"method":"<namespace>.<name>","params":[...]}
//	outbound: {"msg":"result","id":<token>,"result":<value>}
//	          {"msg":"result","id":<token>,"error":{"error":"<message>","stacktrace":"<text>"}}
//
// The id is an opaque correlation token: it is copied verbatim from a request
// to its response and never interpreted by the daemon.
package message

import "encoding/json"

// Envelope kinds carried in the "msg" field.
const (
	KindMethod    = "method"
	KindResult    = "result"
	KindPing      = "ping"
	KindPong      = "pong"
	KindConnect   = "connect"
	KindConnected = "connected"
)

// NotAuthenticated is the error text sent for every message on a rejected session.
const NotAuthenticated = "Not authenticated"

// Request is one inbound envelope.
//
//   - ID is kept raw so that numbers, strings and null round-trip unchanged.
//   - Params are kept raw until the dispatcher knows the target argument types.
type Request struct {
	Msg    string            `json:"msg"`
	ID     json.RawMessage   `json:"id,omitempty"`
	Method string            `json:"method,omitempty"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// ErrorPayload is the structured error carried by a failed result.
type ErrorPayload struct {
	Error      string `json:"error"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

// Response is one outbound envelope. Exactly one of Result and Error is meaningful.
type Response struct {
	Msg     string          `json:"msg"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
	Session string          `json:"session,omitempty"`
}

// NewResult builds a successful result envelope. A nil result is sent as JSON null.
func NewResult(id, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &Response{Msg: KindResult, ID: id, Result: result}
}

// NewError builds a failed result envelope.
func NewError(id json.RawMessage, msg, stacktrace string) *Response {
	return &Response{
		Msg:   KindResult,
		ID:    id,
		Error: &ErrorPayload{Error: msg, Stacktrace: stacktrace},
	}
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r.Error != nil
}
