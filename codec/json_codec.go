package codec

import (
	"bytes"
	"math"
	"reflect"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"mini-rpc/message"
	"mini-rpc/rpcerr"
)

// JSONCodec serializes envelopes as JSON using goccy/go-json.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower than BinaryCodec, larger payload (field names repeated).
//
// Parameters are positional JSON values decoded through their declared
// descriptor; the result is a typed value {"t": descriptor, "v": value}.
// Values JSON cannot hold get a tagged form: NaN and infinities are the
// strings "NaN", "+Inf" and "-Inf", and a string that is not valid UTF-8 is
// {"raw": base64 of its bytes}.
type JSONCodec struct{}

type jsonRequest struct {
	RequestID      string            `json:"request_id"`
	ServiceName    string            `json:"service_name"`
	MethodName     string            `json:"method_name"`
	ParameterTypes []message.Type    `json:"parameter_types"`
	Parameters     []json.RawMessage `json:"parameters"`
}

type jsonValue struct {
	T message.Type    `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

type jsonResponse struct {
	RequestID string     `json:"request_id"`
	Result    *jsonValue `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

var jsonNull = []byte("null")

const (
	jsonNaN    = "NaN"
	jsonPosInf = "+Inf"
	jsonNegInf = "-Inf"
)

type jsonRawString struct {
	Raw []byte `json:"raw"`
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		return c.encodeRequest(msg)
	case *message.Response:
		return c.encodeResponse(msg)
	default:
		return nil, rpcerr.Codec(nil, "JSONCodec: cannot encode %T", v)
	}
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.Request:
		return c.decodeRequest(data, msg)
	case *message.Response:
		return c.decodeResponse(data, msg)
	default:
		return rpcerr.Codec(nil, "JSONCodec: cannot decode into %T", v)
	}
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func (c *JSONCodec) encodeRequest(req *message.Request) ([]byte, error) {
	if len(req.ParameterTypes) != len(req.Parameters) {
		return nil, rpcerr.Codec(nil, "request %s: %d parameter types for %d parameters",
			req.RequestID, len(req.ParameterTypes), len(req.Parameters))
	}
	wire := jsonRequest{
		RequestID:      req.RequestID,
		ServiceName:    req.ServiceName,
		MethodName:     req.MethodName,
		ParameterTypes: req.ParameterTypes,
		Parameters:     make([]json.RawMessage, len(req.Parameters)),
	}
	for i, p := range req.Parameters {
		raw, err := encodeJSONValue(req.ParameterTypes[i], p)
		if err != nil {
			return nil, rpcerr.Codec(err, "request %s: parameter %d", req.RequestID, i)
		}
		wire.Parameters[i] = raw
	}
	data, err := json.Marshal(&wire)
	if err != nil {
		return nil, rpcerr.Codec(err, "request %s", req.RequestID)
	}
	return data, nil
}

func (c *JSONCodec) decodeRequest(data []byte, req *message.Request) error {
	var wire jsonRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return rpcerr.Codec(err, "decode request")
	}
	if len(wire.ParameterTypes) != len(wire.Parameters) {
		return rpcerr.Codec(nil, "request %s: %d parameter types for %d parameters",
			wire.RequestID, len(wire.ParameterTypes), len(wire.Parameters))
	}
	params := make([]any, len(wire.Parameters))
	for i, raw := range wire.Parameters {
		v, err := decodeJSONValue(wire.ParameterTypes[i], raw)
		if err != nil {
			return rpcerr.Codec(err, "request %s: parameter %d", wire.RequestID, i)
		}
		params[i] = v
	}
	*req = message.Request{
		RequestID:      wire.RequestID,
		ServiceName:    wire.ServiceName,
		MethodName:     wire.MethodName,
		ParameterTypes: wire.ParameterTypes,
		Parameters:     params,
	}
	if req.ParameterTypes == nil {
		req.ParameterTypes = []message.Type{}
	}
	return nil
}

func (c *JSONCodec) encodeResponse(resp *message.Response) ([]byte, error) {
	wire := jsonResponse{
		RequestID: resp.RequestID,
		Error:     resp.Error,
	}
	if resp.Result != nil {
		t, v, err := message.Normalize(resp.Result)
		if err != nil {
			return nil, rpcerr.Codec(err, "response %s: result", resp.RequestID)
		}
		raw, err := encodeJSONValue(t, v)
		if err != nil {
			return nil, rpcerr.Codec(err, "response %s: result", resp.RequestID)
		}
		wire.Result = &jsonValue{T: t, V: raw}
	}
	data, err := json.Marshal(&wire)
	if err != nil {
		return nil, rpcerr.Codec(err, "response %s", resp.RequestID)
	}
	return data, nil
}

func (c *JSONCodec) decodeResponse(data []byte, resp *message.Response) error {
	var wire jsonResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return rpcerr.Codec(err, "decode response")
	}
	*resp = message.Response{
		RequestID: wire.RequestID,
		Error:     wire.Error,
	}
	if wire.Result != nil {
		v, err := decodeJSONValue(wire.Result.T, wire.Result.V)
		if err != nil {
			return rpcerr.Codec(err, "response %s: result", wire.RequestID)
		}
		resp.Result = v
	}
	return nil
}

func encodeJSONValue(t message.Type, v any) (json.RawMessage, error) {
	if err := message.Conforms(t, v); err != nil {
		return nil, err
	}
	if v == nil {
		return jsonNull, nil
	}
	switch x := v.(type) {
	case float32:
		return encodeJSONFloat(x, float64(x))
	case float64:
		return encodeJSONFloat(x, x)
	case string:
		return encodeJSONString(x)
	case []float32:
		return encodeJSONSlice(x, func(e float32) (json.RawMessage, error) { return encodeJSONFloat(e, float64(e)) })
	case []float64:
		return encodeJSONSlice(x, func(e float64) (json.RawMessage, error) { return encodeJSONFloat(e, e) })
	case []string:
		return encodeJSONSlice(x, encodeJSONString)
	}
	return json.Marshal(v)
}

func encodeJSONFloat(v any, f float64) (json.RawMessage, error) {
	switch {
	case math.IsNaN(f):
		return json.Marshal(jsonNaN)
	case math.IsInf(f, 1):
		return json.Marshal(jsonPosInf)
	case math.IsInf(f, -1):
		return json.Marshal(jsonNegInf)
	}
	return json.Marshal(v)
}

func encodeJSONString(s string) (json.RawMessage, error) {
	if utf8.ValidString(s) {
		return json.Marshal(s)
	}
	return json.Marshal(&jsonRawString{Raw: []byte(s)})
}

func encodeJSONSlice[E any](items []E, enc func(E) (json.RawMessage, error)) (json.RawMessage, error) {
	if items == nil {
		return jsonNull, nil
	}
	out := make([]json.RawMessage, len(items))
	for i, e := range items {
		raw, err := enc(e)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return json.Marshal(out)
}

// tagged reports whether values of t may use a tagged form.
func tagged(t message.Type) bool {
	return t == message.TypeFloat32 || t == message.TypeFloat64 || t == message.TypeString
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

func decodeJSONValue(t message.Type, raw json.RawMessage) (any, error) {
	if t == message.TypeNull {
		if len(raw) != 0 && !isJSONNull(raw) {
			return nil, rpcerr.Codec(nil, "non-null value for descriptor null")
		}
		return nil, nil
	}
	rt, err := message.GoType(t)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, rpcerr.Codec(nil, "missing value for descriptor %s", t)
	}
	if tagged(t) {
		v, err := decodeJSONTagged(t, rt, raw)
		if err != nil {
			return nil, err
		}
		return v.Interface(), nil
	}
	if elem, ok := t.Elem(); ok && tagged(elem) {
		if isJSONNull(raw) {
			return reflect.Zero(rt).Interface(), nil
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		out := reflect.MakeSlice(rt, len(items), len(items))
		for i, item := range items {
			v, err := decodeJSONTagged(elem, rt.Elem(), item)
			if err != nil {
				return nil, errors.Wrapf(err, "element %d", i)
			}
			out.Index(i).Set(v)
		}
		return out.Interface(), nil
	}
	ptr := reflect.New(rt)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, err
	}
	v := ptr.Elem()
	if v.Kind() != reflect.Slice && isJSONNull(raw) {
		return nil, rpcerr.Codec(nil, "null value for descriptor %s", t)
	}
	return v.Interface(), nil
}

// decodeJSONTagged decodes a float or string value of type rt, plain or tagged.
func decodeJSONTagged(t message.Type, rt reflect.Type, raw json.RawMessage) (reflect.Value, error) {
	raw = bytes.TrimSpace(raw)
	if isJSONNull(raw) {
		return reflect.Value{}, rpcerr.Codec(nil, "null value for descriptor %s", t)
	}
	switch {
	case t == message.TypeString && len(raw) > 0 && raw[0] == '{':
		var rs jsonRawString
		if err := json.Unmarshal(raw, &rs); err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(string(rs.Raw)), nil
	case t != message.TypeString && len(raw) > 0 && raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return reflect.Value{}, err
		}
		var f float64
		switch s {
		case jsonNaN:
			f = math.NaN()
		case jsonPosInf:
			f = math.Inf(1)
		case jsonNegInf:
			f = math.Inf(-1)
		default:
			return reflect.Value{}, rpcerr.Codec(nil, "invalid %s value %q", t, s)
		}
		return reflect.ValueOf(f).Convert(rt), nil
	}
	ptr := reflect.New(rt)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}
