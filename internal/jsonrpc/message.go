// Package jsonrpc implements framed JSON-RPC 2.0 message transport.
// It is ignorant of LSP: the only thing it knows how to do is frame,
// decode and encode the three JSON-RPC message shapes.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeRequestCancelled is the LSP extension code used when a
	// request is cancelled via $/cancelRequest.
	CodeRequestCancelled = -32800
)

// ID is a JSON-RPC request id: a string or a number, never null.
// It round-trips through JSON without losing the distinction between
// "7" (string) and 7 (number), which a plain interface{} loses when
// re-marshaled through float64.
type ID struct {
	str    string
	num    int64
	isStr  bool
	isNum  bool
}

// NewStringID builds a string-valued ID.
func NewStringID(s string) ID { return ID{str: s, isStr: true} }

// NewNumberID builds a number-valued ID.
func NewNumberID(n int64) ID { return ID{num: n, isNum: true} }

// IsZero reports whether the ID was never set (the zero value).
func (id ID) IsZero() bool { return !id.isStr && !id.isNum }

func (id ID) String() string {
	if id.isStr {
		return id.str
	}
	return fmt.Sprintf("%d", id.num)
}

// Key returns a representation safe to use as a map key that never
// collides a string id with a number id of the same text (e.g. the
// string "7" and the number 7 are distinct JSON-RPC ids).
func (id ID) Key() string {
	if id.isStr {
		return "s:" + id.str
	}
	return fmt.Sprintf("n:%d", id.num)
}

// MarshalJSON encodes the ID as a JSON string or number, matching
// whichever shape it was constructed with.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON accepts either a JSON string or number.
func (id *ID) UnmarshalJSON(data []byte) error {
	var asNum int64
	if err := json.Unmarshal(data, &asNum); err == nil {
		*id = ID{num: asNum, isNum: true}
		return nil
	}
	var asStr string
	if err := json.Unmarshal(data, &asStr); err == nil {
		*id = ID{str: asStr, isStr: true}
		return nil
	}
	return fmt.Errorf("jsonrpc: id is neither string nor number: %s", data)
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an *Error with the given code and formatted message.
func NewError(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Request is a JSON-RPC message that expects a Response.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

// Response answers a Request by ID. Exactly one of Result/Error is set.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *Error
}

// Notification is a fire-and-forget message: no ID, no reply expected.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Kind identifies which variant a Message holds.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
)

// Message is the tagged union of the three JSON-RPC message shapes.
// Exactly one of the Request/Response/Notification fields is valid,
// selected by Kind.
type Message struct {
	Kind         Kind
	Request      Request
	Response     Response
	Notification Notification
}

// wireMessage is the shape used to marshal/unmarshal over the wire;
// a single struct covers all three variants, distinguished by which
// fields are present, the same approach as the teacher's readMessage
// (decode into a generic shape, then classify by field presence).
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

const jsonrpcVersion = "2.0"

// Encode renders a Message to its wire JSON body (without framing headers).
func Encode(m Message) ([]byte, error) {
	w := wireMessage{JSONRPC: jsonrpcVersion}
	switch m.Kind {
	case KindRequest:
		id := m.Request.ID
		w.ID = &id
		w.Method = m.Request.Method
		w.Params = m.Request.Params
	case KindResponse:
		id := m.Response.ID
		w.ID = &id
		w.Result = m.Response.Result
		w.Error = m.Response.Error
	case KindNotification:
		w.Method = m.Notification.Method
		w.Params = m.Notification.Params
	default:
		return nil, fmt.Errorf("jsonrpc: unknown message kind %d", m.Kind)
	}
	return json.Marshal(w)
}

// Decode classifies and parses a raw JSON-RPC body into a Message.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, &FramingError{Reason: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	if w.JSONRPC != jsonrpcVersion {
		return Message{}, &FramingError{Reason: fmt.Sprintf("unsupported jsonrpc version %q", w.JSONRPC)}
	}

	switch {
	case w.Method != "" && w.ID != nil:
		return Message{Kind: KindRequest, Request: Request{ID: *w.ID, Method: w.Method, Params: w.Params}}, nil
	case w.Method != "":
		return Message{Kind: KindNotification, Notification: Notification{Method: w.Method, Params: w.Params}}, nil
	case w.ID != nil:
		return Message{Kind: KindResponse, Response: Response{ID: *w.ID, Result: w.Result, Error: w.Error}}, nil
	default:
		return Message{}, &FramingError{Reason: "message is neither a request, a response nor a notification"}
	}
}

// NewRequestMessage builds a request-kind Message.
func NewRequestMessage(id ID, method string, params json.RawMessage) Message {
	return Message{Kind: KindRequest, Request: Request{ID: id, Method: method, Params: params}}
}

// NewNotificationMessage builds a notification-kind Message.
func NewNotificationMessage(method string, params json.RawMessage) Message {
	return Message{Kind: KindNotification, Notification: Notification{Method: method, Params: params}}
}

// NewResultMessage builds a successful response-kind Message.
func NewResultMessage(id ID, result json.RawMessage) Message {
	return Message{Kind: KindResponse, Response: Response{ID: id, Result: result}}
}

// NewErrorMessage builds a failed response-kind Message.
func NewErrorMessage(id ID, err *Error) Message {
	return Message{Kind: KindResponse, Response: Response{ID: id, Error: err}}
}
