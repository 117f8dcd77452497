package server

import (
	"context"
	"reflect"
	"sort"

	"github.com/pkg/errors"

	"mini-rpc/message"
)

// HandlerFunc serves one overload registered with HandleFunc. params hold
// canonical values matching the declared descriptors; the result must be nil
// or normalizable (see message.Normalize).
type HandlerFunc func(ctx context.Context, params []any) (any, error)

type methodType struct {
	name  string
	types []message.Type // declared parameter descriptors
	call  HandlerFunc
}

// service is one entry of the dispatch table: every overload of every method,
// keyed by the method signature ("Add(int64,int64)").
type service struct {
	name    string
	methods map[string]*methodType
	names   map[string]int // number of overloads per method name
}

func newService(name string) *service {
	return &service{
		name:    name,
		methods: make(map[string]*methodType),
		names:   make(map[string]int),
	}
}

func (s *service) add(m *methodType) error {
	sig := message.Signature(m.name, m.types)
	if _, ok := s.methods[sig]; ok {
		return errors.Errorf("rpc: method %s.%s already registered", s.name, sig)
	}
	s.methods[sig] = m
	s.names[m.name]++
	return nil
}

// lookup finds the overload exactly matching the request's declared types.
func (s *service) lookup(req *message.Request) (*methodType, error) {
	if m, ok := s.methods[req.Signature()]; ok {
		return m, nil
	}
	if s.names[req.MethodName] == 0 {
		return nil, errors.Errorf("method %s not found on service %s", req.MethodName, s.name)
	}
	var overloads []string
	for sig, m := range s.methods {
		if m.name == req.MethodName {
			overloads = append(overloads, sig)
		}
	}
	sort.Strings(overloads)
	return nil, errors.Errorf("no overload of %s.%s matches %s, have %v", s.name, req.MethodName, req.Signature(), overloads)
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// reflectMethods scans the exported methods of rcvr and keeps those with a
// supported signature:
//
//	func (T) Name([ctx context.Context,] p1 P1, ..., pn Pn) error
//	func (T) Name([ctx context.Context,] p1 P1, ..., pn Pn) (R, error)
//
// where every Pi and R has a type descriptor, or R is an interface whose
// dynamic value does. Other methods are skipped.
func reflectMethods(rcvr any) ([]*methodType, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil {
		return nil, errors.New("rpc: nil receiver")
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("rpc: rcvr must be a pointer, got %s", typ.Kind())
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)

	var methods []*methodType
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		m, ok := newReflectMethod(val, method)
		if ok {
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		return nil, errors.Errorf("rpc: type %s has no exported methods of suitable type", typ)
	}
	return methods, nil
}

// reflectName is the service name Register uses: the receiver's type name.
func reflectName(rcvr any) string {
	return reflect.Indirect(reflect.ValueOf(rcvr)).Type().Name()
}

func newReflectMethod(rcvr reflect.Value, method reflect.Method) (*methodType, bool) {
	mtype := method.Type
	first := 1 // In(0) is the receiver
	withCtx := mtype.NumIn() > 1 && mtype.In(1) == contextType
	if withCtx {
		first = 2
	}

	var types []message.Type
	var inTypes []reflect.Type
	for i := first; i < mtype.NumIn(); i++ {
		t, err := message.TypeFor(mtype.In(i))
		if err != nil {
			return nil, false
		}
		types = append(types, t)
		inTypes = append(inTypes, mtype.In(i))
	}
	if mtype.IsVariadic() {
		return nil, false
	}

	var hasResult bool
	switch mtype.NumOut() {
	case 1:
		if mtype.Out(0) != errorType {
			return nil, false
		}
	case 2:
		if mtype.Out(1) != errorType {
			return nil, false
		}
		if out := mtype.Out(0); out.Kind() != reflect.Interface {
			if _, err := message.TypeFor(out); err != nil {
				return nil, false
			}
		}
		hasResult = true
	default:
		return nil, false
	}

	fn := method.Func
	call := func(ctx context.Context, params []any) (any, error) {
		args := make([]reflect.Value, 0, mtype.NumIn())
		args = append(args, rcvr)
		if withCtx {
			args = append(args, reflect.ValueOf(ctx))
		}
		for i, p := range params {
			v, err := message.Coerce(p, inTypes[i])
			if err != nil {
				return nil, errors.Wrapf(err, "parameter %d", i)
			}
			args = append(args, v)
		}
		out := fn.Call(args)
		errv := out[len(out)-1]
		if !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		if !hasResult {
			return nil, nil
		}
		return out[0].Interface(), nil
	}
	return &methodType{name: method.Name, types: types, call: call}, true
}

// invoke checks params against the declared descriptors, calls m and
// normalizes its result for the wire.
func (m *methodType) invoke(ctx context.Context, params []any) (any, error) {
	if len(params) != len(m.types) {
		return nil, errors.Errorf("%s takes %d parameters, got %d", m.name, len(m.types), len(params))
	}
	for i, p := range params {
		if err := message.Conforms(m.types[i], p); err != nil {
			return nil, errors.Wrapf(err, "parameter %d", i)
		}
	}
	result, err := m.call(ctx, params)
	if err != nil {
		return nil, err
	}
	_, v, err := message.Normalize(result)
	if err != nil {
		return nil, errors.Wrapf(err, "%s returned an unsupported result", m.name)
	}
	return v, nil
}
