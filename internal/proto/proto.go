// Package proto defines the JSON envelopes carried on both wires: host to
// plexer and plexer to plugin. A message is a request (id + method), a
// response (id, result or error), or a notification (method, no id).
package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is the current plugin protocol version, sent during the
// handshake.
const ProtocolVersion = 1

// Host request methods. The set is closed: the host dispatcher matches
// exhaustively and rejects anything else.
const (
	MethodSetRoots                 = "workspace.setRoots"
	MethodSetPriorityFiles         = "workspace.setPriorityFiles"
	MethodSetSubscriptions         = "workspace.setSubscriptions"
	MethodUpdateContent            = "file.updateContent"
	MethodGetDiagnostics           = "analysis.getDiagnostics"
	MethodGetFixes                 = "edit.getFixes"
	MethodGetAssists               = "edit.getAssists"
	MethodGetAvailableRefactorings = "edit.getAvailableRefactorings"
	MethodGetRefactoring           = "edit.getRefactoring"
	MethodGetNavigation            = "analysis.getNavigation"
	MethodVersionCheck             = "plugin.versionCheck"
	MethodShutdown                 = "plugin.shutdown"
)

// Notification methods emitted by plugins and forwarded to the host.
const (
	NotifyDiagnostics = "analysis.diagnostics"
	NotifyPluginError = "plugin.error"
	NotifyLog         = "plugin.log"
	NotifyHostLog     = "host.log"
)

type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RequestError   `json:"error,omitempty"`
}

type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RequestError is the typed error carried inside a response. It is scoped to
// the single request it answers.
type RequestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Message is the decoded form of one wire frame.
type Message struct {
	Request      *Request
	Response     *Response
	Notification *Notification
}

type envelope struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RequestError   `json:"error"`
}

// DecodeMessage classifies and decodes one frame. Frames with both an id and
// a method are requests; frames with an id alone are responses; frames with
// a method alone are notifications.
func DecodeMessage(payload []byte) (Message, error) {
	var env envelope
	if err := decodeStrictEnvelope(payload, &env); err != nil {
		return Message{}, err
	}

	switch {
	case env.ID != nil && env.Method != "":
		return Message{Request: &Request{ID: *env.ID, Method: env.Method, Params: env.Params}}, nil
	case env.ID != nil:
		return Message{Response: &Response{ID: *env.ID, Result: env.Result, Error: env.Error}}, nil
	case env.Method != "":
		return Message{Notification: &Notification{Method: env.Method, Params: env.Params}}, nil
	default:
		return Message{}, errors.New("message has neither id nor method")
	}
}

// EncodeRequest marshals a request after validating its method is non-empty.
func EncodeRequest(req Request) ([]byte, error) {
	if req.Method == "" {
		return nil, errors.New("request requires a method")
	}
	return json.Marshal(req)
}

func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}

func EncodeNotification(note Notification) ([]byte, error) {
	if note.Method == "" {
		return nil, errors.New("notification requires a method")
	}
	return json.Marshal(note)
}

// MarshalParams encodes a typed params struct into the raw field of a frame.
func MarshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// UnmarshalParams decodes raw params strictly: unknown fields and trailing
// data are errors, so a malformed host request fails as a typed error for
// that request only.
func UnmarshalParams(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return errors.New("missing params")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("params have trailing data")
		}
		return err
	}
	return nil
}

func decodeStrictEnvelope(payload []byte, target *envelope) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("message has trailing data")
		}
		return err
	}
	return nil
}

// IsHostMethod reports whether the method belongs to the closed host set.
func IsHostMethod(method string) bool {
	switch method {
	case MethodSetRoots, MethodSetPriorityFiles, MethodSetSubscriptions,
		MethodUpdateContent, MethodGetDiagnostics, MethodGetFixes,
		MethodGetAssists, MethodGetAvailableRefactorings, MethodGetRefactoring,
		MethodGetNavigation, MethodVersionCheck, MethodShutdown:
		return true
	default:
		return false
	}
}
