package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Version is the protocol version spoken by the daemon.
const Version = "1.0"

// ID is a request correlation id. It holds the id's JSON text verbatim so a
// response echoes exactly what the client sent (a number or a string).
type ID string

// NumericID returns the id for an integer value.
func NumericID(n uint64) ID {
	return ID(strconv.FormatUint(n, 10))
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

// UnmarshalJSON accepts JSON numbers and strings only.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty id")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
	default:
		return fmt.Errorf("id must be a number or a string, got %s", data)
	}
	*id = ID(data)
	return nil
}

// String returns the id's JSON text.
func (id ID) String() string {
	return string(id)
}

// Request is one decoded client message. A nil ID marks a notification.
type Request struct {
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
	ID              *ID             `json:"id,omitempty"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response carries either Result or Error, never both.
type Response struct {
	ID     *ID             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// DecodeRequest parses one framed payload.
//
// A payload that is not well-formed JSON yields a ParseError and a nil
// request. A well-formed value that is not a valid request yields an
// InvalidRequest error together with whatever id could be recovered, so the
// caller can still answer when the id is known.
func DecodeRequest(payload []byte) (*Request, *Error) {
	if !json.Valid(payload) {
		return nil, NewError(ParseError, "malformed message")
	}

	var wire struct {
		ProtocolVersion string          `json:"protocolVersion"`
		ID              json.RawMessage `json:"id"`
		Method          string          `json:"method"`
		Params          json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return &Request{ID: recoverID(payload)}, NewError(InvalidRequest, "invalid request: %v", err)
	}

	req := Request{ProtocolVersion: wire.ProtocolVersion, Method: wire.Method, Params: wire.Params}
	if !isNull(wire.ID) {
		var id ID
		if err := id.UnmarshalJSON(wire.ID); err != nil {
			return &req, NewError(InvalidRequest, "%v", err)
		}
		req.ID = &id
	}
	if strings.TrimSpace(req.Method) == "" {
		return &req, NewError(InvalidRequest, "missing method")
	}
	if !supportedVersion(req.ProtocolVersion) {
		return &req, NewError(InvalidRequest, "unsupported protocol version %q", req.ProtocolVersion).
			WithData("supported", Version)
	}
	if len(req.Params) > 0 {
		trimmed := bytes.TrimSpace(req.Params)
		if !bytes.Equal(trimmed, []byte("null")) && trimmed[0] != '{' {
			return &req, NewError(InvalidRequest, "params must be an object")
		}
	}
	return &req, nil
}

// recoverID returns the payload's id when it is present and valid.
func recoverID(payload []byte) *ID {
	var idOnly struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &idOnly); err != nil || isNull(idOnly.ID) {
		return nil
	}
	var id ID
	if err := id.UnmarshalJSON(idOnly.ID); err != nil {
		return nil
	}
	return &id
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func supportedVersion(v string) bool {
	if v == "" {
		return true
	}
	major, _, _ := strings.Cut(v, ".")
	return major == "1"
}

// NewResult builds a success response for id.
func NewResult(id *ID, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &Response{ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id *ID, err *Error) *Response {
	return &Response{ID: id, Error: err}
}
