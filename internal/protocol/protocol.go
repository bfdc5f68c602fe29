// Package protocol defines the control-socket wire format: one
// newline-terminated JSON object per request and per response.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxRequestBytes bounds a single request line. Anything longer is rejected
// as malformed rather than buffered indefinitely.
const MaxRequestBytes = 1 << 20

type ErrorKind string

const (
	ErrMalformedRequest        ErrorKind = "MalformedRequest"
	ErrUnsupportedLegacyFormat ErrorKind = "UnsupportedLegacyFormat"
	ErrUnknownMethod           ErrorKind = "UnknownMethod"
	ErrInvalidReference        ErrorKind = "InvalidReference"
	ErrReferenceNotFound       ErrorKind = "ReferenceNotFound"
	ErrScopeMismatch           ErrorKind = "ScopeMismatch"
	ErrAccessDenied            ErrorKind = "AccessDenied"
	ErrNotReady                ErrorKind = "NotReady"
	ErrTargetGone              ErrorKind = "TargetGone"
	ErrTimeout                 ErrorKind = "Timeout"
	ErrInternal                ErrorKind = "Internal"
)

// Error is the structured error carried in failure responses.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Request is the v2 envelope: {"id": <scalar>, "method": "ns.verb",
// "params": {...}}.
type Request struct {
	ID     any
	Method string
	Params map[string]json.RawMessage
}

// Response is the v2 reply envelope. Exactly one of Result/Err is set.
type Response struct {
	ID     any    `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Err    *Error `json:"error,omitempty"`
}

func OK(id, result any) Response {
	if result == nil {
		result = struct{}{}
	}
	return Response{ID: id, OK: true, Result: result}
}

func Fail(id any, err *Error) Response {
	return Response{ID: id, OK: false, Err: err}
}

type rawEnvelope struct {
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Command *string         `json:"command"`
}

// ParseRequest classifies and validates one request line. Envelope shape is
// classified before semantic parsing so v1 payloads fail with a specific
// error instead of being coerced into a v2 request.
func ParseRequest(line []byte) (Request, *Error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Request{}, Errorf(ErrMalformedRequest, "empty request")
	}

	var env rawEnvelope
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&env); err != nil {
		return Request{}, Errorf(ErrMalformedRequest, "request is not a JSON object: %v", err)
	}
	if dec.More() {
		return Request{}, Errorf(ErrMalformedRequest, "trailing data after request object")
	}

	// Legacy single-field envelope ({"command": "..."}). Recognized only
	// well enough to reject it precisely.
	if env.Command != nil && env.Method == nil {
		return Request{}, Errorf(ErrUnsupportedLegacyFormat,
			"legacy v1 command envelope is not supported; use {id, method, params}")
	}

	id, err := parseID(env.ID)
	if err != nil {
		return Request{}, err
	}
	if env.Method == nil || *env.Method == "" {
		return Request{}, Errorf(ErrMalformedRequest, "method is required")
	}

	params := map[string]json.RawMessage{}
	if len(env.Params) > 0 && !bytes.Equal(bytes.TrimSpace(env.Params), []byte("null")) {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return Request{}, Errorf(ErrMalformedRequest, "params must be an object: %v", err)
		}
	}

	return Request{ID: id, Method: *env.Method, Params: params}, nil
}

// parseID accepts any non-null scalar: string, number, or bool.
func parseID(raw json.RawMessage) (any, *Error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, Errorf(ErrMalformedRequest, "id is required and must be a non-null scalar")
	}
	switch trimmed[0] {
	case '{', '[':
		return nil, Errorf(ErrMalformedRequest, "id must be a scalar")
	}
	var id any
	if err := json.Unmarshal(trimmed, &id); err != nil {
		return nil, Errorf(ErrMalformedRequest, "invalid id: %v", err)
	}
	return id, nil
}

// ReadLine reads one newline-terminated line, enforcing MaxRequestBytes.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		buf.Write(chunk)
		if buf.Len() > MaxRequestBytes {
			return nil, fmt.Errorf("request exceeds %d bytes", MaxRequestBytes)
		}
		if !isPrefix {
			return buf.Bytes(), nil
		}
	}
}

// WriteResponse encodes a response followed by a newline.
func WriteResponse(w *bufio.Writer, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// EncodeRequest renders the request envelope as a single line.
func EncodeRequest(id any, method string, params any) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}
	payload, err := json.Marshal(struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params"`
	}{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return append(payload, '\n'), nil
}
