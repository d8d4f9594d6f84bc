package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMissingType = errors.New("invalid envelope: type is required")
	ErrUnknownType = errors.New("invalid envelope: unknown type")
)

// Envelope is one of *Request, *Response or *Event.
type Envelope interface {
	FrameType() string
}

type Request struct {
	ID     string
	Method string
	Params Value
}

type Response struct {
	ID     string
	OK     bool
	Result Value
	Error  *GatewayError
}

type Event struct {
	Name    string
	Payload Value
}

func (*Request) FrameType() string  { return TypeRequest }
func (*Response) FrameType() string { return TypeResponse }
func (*Event) FrameType() string    { return TypeEvent }

func (r *Request) ValidateBasic() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("invalid request: id is required")
	}
	if strings.TrimSpace(r.Method) == "" {
		return errors.New("invalid request: method is required")
	}
	return nil
}

func (r *Response) ValidateBasic() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("invalid response: id is required")
	}
	return nil
}

func (e *Event) ValidateBasic() error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("invalid event: event name is required")
	}
	return nil
}

type requestFrame[P any] struct {
	Type   string `json:"type"`
	Method string `json:"method"`
	Params P      `json:"params"`
	ID     string `json:"id"`
}

type responseFrame struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	OK      bool          `json:"ok"`
	Payload *Value        `json:"payload,omitempty"`
	Error   *GatewayError `json:"error,omitempty"`
}

type eventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload Value  `json:"payload"`
}

// EncodeRequest serializes a request whose params are statically typed at the
// call site.
func EncodeRequest[P any](id, method string, params P) ([]byte, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("invalid request: id is required")
	}
	if strings.TrimSpace(method) == "" {
		return nil, errors.New("invalid request: method is required")
	}
	return json.Marshal(requestFrame[P]{
		Type:   TypeRequest,
		Method: method,
		Params: params,
		ID:     id,
	})
}

// EncodeEnvelope serializes any envelope. Responses always carry their success
// payload under "payload".
func EncodeEnvelope(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case *Request:
		if err := e.ValidateBasic(); err != nil {
			return nil, err
		}
		params := e.Params
		if params.IsNull() {
			params = Object(nil)
		}
		return EncodeRequest(e.ID, e.Method, params)
	case *Response:
		if err := e.ValidateBasic(); err != nil {
			return nil, err
		}
		frame := responseFrame{Type: TypeResponse, ID: e.ID, OK: e.OK, Error: e.Error}
		if !e.Result.IsNull() {
			result := e.Result
			frame.Payload = &result
		}
		return json.Marshal(frame)
	case *Event:
		if err := e.ValidateBasic(); err != nil {
			return nil, err
		}
		payload := e.Payload
		if payload.IsNull() {
			payload = Object(nil)
		}
		return json.Marshal(eventFrame{Type: TypeEvent, Event: e.Name, Payload: payload})
	case nil:
		return nil, errors.New("invalid envelope: nil")
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, env)
	}
}

// DecodeEnvelope reads the "type" discriminator first and then decodes only
// the fields that belong to that shape.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch strings.TrimSpace(head.Type) {
	case "":
		return nil, ErrMissingType
	case TypeEvent:
		return decodeEvent(data)
	case TypeResponse:
		return decodeResponse(data)
	case TypeRequest:
		return decodeRequest(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

func decodeEvent(data []byte) (*Event, error) {
	var raw struct {
		Event   Value `json:"event"`
		Payload Value `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	name, _ := raw.Event.AsString()
	ev := &Event{Name: name, Payload: raw.Payload}
	if err := ev.ValidateBasic(); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeResponse(data []byte) (*Response, error) {
	var raw struct {
		ID      Value           `json:"id"`
		OK      Value           `json:"ok"`
		Result  json.RawMessage `json:"result"`
		Payload json.RawMessage `json:"payload"`
		Error   Value           `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	res := &Response{ID: correlationID(raw.ID)}
	res.OK, _ = raw.OK.AsBool()

	// Servers use "result" and "payload" interchangeably; "payload" wins.
	switch {
	case present(raw.Payload):
		res.Result = decodeValue(raw.Payload)
	case present(raw.Result):
		res.Result = decodeValue(raw.Result)
	}

	if !raw.Error.IsNull() {
		res.Error = &GatewayError{
			Code:    raw.Error.Str("code"),
			Message: raw.Error.Str("message"),
		}
		if s, ok := raw.Error.AsString(); ok {
			res.Error.Message = s
		}
	}

	if err := res.ValidateBasic(); err != nil {
		return nil, err
	}
	return res, nil
}

// present reports whether a raw field carries something other than null.
func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func decodeRequest(data []byte) (*Request, error) {
	var raw struct {
		ID     Value `json:"id"`
		Method Value `json:"method"`
		Params Value `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	method, _ := raw.Method.AsString()
	req := &Request{ID: correlationID(raw.ID), Method: method, Params: raw.Params}
	if err := req.ValidateBasic(); err != nil {
		return nil, err
	}
	return req, nil
}

func correlationID(v Value) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	if i, ok := v.AsInt(); ok {
		return strconv.FormatInt(i, 10)
	}
	return ""
}
