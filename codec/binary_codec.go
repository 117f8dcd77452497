package codec

import (
	"encoding/binary"
	"math"
	"reflect"

	"github.com/pkg/errors"

	"mini-rpc/message"
	"mini-rpc/rpcerr"
)

// BinaryCodec lays envelopes out by hand in big-endian order.
//
// Request:  [u16 len][request_id][u16 len][service][u16 len][method]
//
//	[u16 n][n x type tag][n x value]
//
// Response: [u16 len][request_id][u8 hasResult]([type tag][value])?[u32 len][error]
//
// Values are fixed-width for numerics (int and uint travel as 64 bits), u32
// length-prefixed for strings and bytes, and u32 count-prefixed for slices,
// where a count of 0xFFFFFFFF marks a nil slice.
type BinaryCodec struct{}

const (
	tagSliceBit = 0x80
	nilLength   = math.MaxUint32
)

var (
	errShortBuffer = errors.New("unexpected end of data")
	typeTags       = map[message.Type]byte{}
	tagTypes       = map[byte]message.Type{}
)

func init() {
	typeTags[message.TypeNull] = 0
	typeTags[message.TypeBytes] = 1
	for i, t := range message.Scalars {
		tag := byte(i + 2)
		typeTags[t] = tag
		typeTags[message.SliceOf(t)] = tag | tagSliceBit
	}
	for t, tag := range typeTags {
		tagTypes[tag] = t
	}
}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &binWriter{}
	switch msg := v.(type) {
	case *message.Request:
		if len(msg.ParameterTypes) != len(msg.Parameters) {
			return nil, rpcerr.Codec(nil, "request %s: %d parameter types for %d parameters",
				msg.RequestID, len(msg.ParameterTypes), len(msg.Parameters))
		}
		w.shortString(msg.RequestID)
		w.shortString(msg.ServiceName)
		w.shortString(msg.MethodName)
		w.putUint16(len(msg.Parameters))
		for _, t := range msg.ParameterTypes {
			w.tag(t)
		}
		for i, p := range msg.Parameters {
			w.value(msg.ParameterTypes[i], p)
		}
		if w.err != nil {
			return nil, rpcerr.Codec(w.err, "request %s", msg.RequestID)
		}
	case *message.Response:
		w.shortString(msg.RequestID)
		if msg.Result == nil {
			w.putByte(0)
		} else {
			t, rv, err := message.Normalize(msg.Result)
			if err != nil {
				return nil, rpcerr.Codec(err, "response %s: result", msg.RequestID)
			}
			w.putByte(1)
			w.tag(t)
			w.value(t, rv)
		}
		w.longString(msg.Error)
		if w.err != nil {
			return nil, rpcerr.Codec(w.err, "response %s", msg.RequestID)
		}
	default:
		return nil, rpcerr.Codec(nil, "BinaryCodec: cannot encode %T", v)
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &binReader{buf: data}
	switch msg := v.(type) {
	case *message.Request:
		req := message.Request{
			RequestID:   r.shortString(),
			ServiceName: r.shortString(),
			MethodName:  r.shortString(),
		}
		n := r.readUint16()
		req.ParameterTypes = make([]message.Type, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			req.ParameterTypes = append(req.ParameterTypes, r.tag())
		}
		req.Parameters = make([]any, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			req.Parameters = append(req.Parameters, r.value(req.ParameterTypes[i]))
		}
		r.finish()
		if r.err != nil {
			return rpcerr.Codec(r.err, "decode request")
		}
		*msg = req
	case *message.Response:
		resp := message.Response{RequestID: r.shortString()}
		if r.readByte() == 1 {
			resp.Result = r.value(r.tag())
		}
		resp.Error = r.longString()
		r.finish()
		if r.err != nil {
			return rpcerr.Codec(r.err, "decode response")
		}
		*msg = resp
	default:
		return rpcerr.Codec(nil, "BinaryCodec: cannot decode into %T", v)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type binWriter struct {
	buf []byte
	err error
}

func (w *binWriter) putByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *binWriter) putUint16(n int) {
	if n > math.MaxUint16 {
		w.fail(errors.Errorf("length %d exceeds 65535", n))
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
}

func (w *binWriter) putUint32(n uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, n)
}

func (w *binWriter) putUint64(n uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, n)
}

func (w *binWriter) shortString(s string) {
	w.putUint16(len(s))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) longString(s string) {
	w.putUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) tag(t message.Type) {
	tag, ok := typeTags[t]
	if !ok {
		w.fail(errors.Errorf("unknown type descriptor %q", string(t)))
		return
	}
	w.putByte(tag)
}

func (w *binWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *binWriter) value(t message.Type, v any) {
	if err := message.Conforms(t, v); err != nil {
		w.fail(err)
		return
	}
	if t == message.TypeNull {
		return
	}
	if t == message.TypeBytes {
		b := v.([]byte)
		if b == nil {
			w.putUint32(nilLength)
			return
		}
		w.putUint32(uint32(len(b)))
		w.buf = append(w.buf, b...)
		return
	}
	if _, ok := t.Elem(); ok {
		rv := reflect.ValueOf(v)
		if v == nil || rv.IsNil() {
			w.putUint32(nilLength)
			return
		}
		w.putUint32(uint32(rv.Len()))
		for i := 0; i < rv.Len(); i++ {
			w.scalar(rv.Index(i).Interface())
		}
		return
	}
	w.scalar(v)
}

func (w *binWriter) scalar(v any) {
	switch x := v.(type) {
	case bool:
		if x {
			w.putByte(1)
		} else {
			w.putByte(0)
		}
	case int:
		w.putUint64(uint64(int64(x)))
	case int8:
		w.putByte(byte(x))
	case int16:
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(x))
	case int32:
		w.putUint32(uint32(x))
	case int64:
		w.putUint64(uint64(x))
	case uint:
		w.putUint64(uint64(x))
	case uint8:
		w.putByte(x)
	case uint16:
		w.buf = binary.BigEndian.AppendUint16(w.buf, x)
	case uint32:
		w.putUint32(x)
	case uint64:
		w.putUint64(x)
	case float32:
		w.putUint32(math.Float32bits(x))
	case float64:
		w.putUint64(math.Float64bits(x))
	case string:
		w.longString(x)
	default:
		w.fail(errors.Errorf("unsupported scalar %T", v))
	}
}

// binReader decodes with bounds checking; the first failure sticks and every
// later read returns a zero value.
type binReader struct {
	buf []byte
	off int
	err error
}

func (r *binReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binReader) finish() {
	if r.err == nil && r.off != len(r.buf) {
		r.err = errors.Errorf("%d trailing bytes", len(r.buf)-r.off)
	}
}

func (r *binReader) readByte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) readUint16() int {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint16(b))
}

func (r *binReader) readUint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *binReader) readUint64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *binReader) shortString() string {
	return string(r.next(r.readUint16()))
}

func (r *binReader) longString() string {
	n := r.readUint32()
	if r.err != nil {
		return ""
	}
	if uint64(n) > uint64(len(r.buf)-r.off) {
		r.err = errShortBuffer
		return ""
	}
	return string(r.next(int(n)))
}

func (r *binReader) tag() message.Type {
	tag := r.readByte()
	if r.err != nil {
		return ""
	}
	t, ok := tagTypes[tag]
	if !ok {
		r.err = errors.Errorf("unknown type tag 0x%02x", tag)
		return ""
	}
	return t
}

func (r *binReader) value(t message.Type) any {
	if r.err != nil || t == message.TypeNull {
		return nil
	}
	if t == message.TypeBytes {
		n := r.readUint32()
		if r.err != nil || n == nilLength {
			return []byte(nil)
		}
		if uint64(n) > uint64(len(r.buf)-r.off) {
			r.err = errShortBuffer
			return nil
		}
		b := make([]byte, n)
		copy(b, r.next(int(n)))
		return b
	}
	if elem, ok := t.Elem(); ok {
		rt, err := message.GoType(t)
		if err != nil {
			r.err = err
			return nil
		}
		n := r.readUint32()
		if r.err != nil {
			return nil
		}
		if n == nilLength {
			return reflect.Zero(rt).Interface()
		}
		// every element occupies at least one byte
		if uint64(n) > uint64(len(r.buf)-r.off) {
			r.err = errShortBuffer
			return nil
		}
		out := reflect.MakeSlice(rt, int(n), int(n))
		for i := 0; i < int(n) && r.err == nil; i++ {
			if v := r.scalar(elem); v != nil {
				out.Index(i).Set(reflect.ValueOf(v))
			}
		}
		if r.err != nil {
			return nil
		}
		return out.Interface()
	}
	return r.scalar(t)
}

func (r *binReader) scalar(t message.Type) any {
	switch t {
	case message.TypeBool:
		b := r.readByte()
		if r.err == nil && b > 1 {
			r.err = errors.Errorf("invalid bool byte 0x%02x", b)
		}
		return b == 1
	case message.TypeInt:
		return int(int64(r.readUint64()))
	case message.TypeInt8:
		return int8(r.readByte())
	case message.TypeInt16:
		return int16(r.readUint16())
	case message.TypeInt32:
		return int32(r.readUint32())
	case message.TypeInt64:
		return int64(r.readUint64())
	case message.TypeUint:
		return uint(r.readUint64())
	case message.TypeUint8:
		return r.readByte()
	case message.TypeUint16:
		return uint16(r.readUint16())
	case message.TypeUint32:
		return r.readUint32()
	case message.TypeUint64:
		return r.readUint64()
	case message.TypeFloat32:
		return math.Float32frombits(r.readUint32())
	case message.TypeFloat64:
		return math.Float64frombits(r.readUint64())
	case message.TypeString:
		return r.longString()
	default:
		r.err = errors.Errorf("unsupported scalar descriptor %q", string(t))
		return nil
	}
}
