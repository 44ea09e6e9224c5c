package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"unicode"
	"unicode/utf8"

	"dyn-rpc/message"
	"dyn-rpc/registry"
)

// MethodFunc runs one method with its JSON-encoded arguments.
type MethodFunc func(ctx context.Context, params []json.RawMessage) (any, error)

// service is one registered implementation: a method table keyed by "name/arity".
type service struct {
	info    registry.ServiceInfo
	methods map[string]MethodFunc
}

func methodKey(name string, arity int) string {
	return name + "/" + strconv.Itoa(arity)
}

func newService(name, version string) *service {
	return &service{
		info:    registry.ServiceInfo{Name: name, Version: version},
		methods: make(map[string]MethodFunc),
	}
}

func (s *service) key() string {
	return message.ServiceKey(s.info.Name, s.info.Version)
}

// methodNames returns the table keys, sorted.
func (s *service) methodNames() []string {
	names := make([]string, 0, len(s.methods))
	for k := range s.methods {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type resultShape int

const (
	shapeValueError resultShape = iota // (T, error)
	shapeError                         // error
	shapeValue                         // T
)

// registerMethods 扫描 impl 的导出方法，每个合法方法生成一个闭包。
//
// A method qualifies when it is not variadic, optionally takes a context.Context first,
// and returns (T, error), error or T. Each one is reachable under its Go name and under
// its lower-camel name ("Hello" and "hello"), since callers in other languages use the latter.
func (s *service) registerMethods(impl any) (int, error) {
	if impl == nil {
		return 0, fmt.Errorf("server: nil implementation for %s", s.key())
	}
	rcvr := reflect.ValueOf(impl)
	typ := rcvr.Type()

	count := 0
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		fn, arity, ok := buildMethod(rcvr, m)
		if !ok {
			continue
		}
		s.methods[methodKey(m.Name, arity)] = fn
		if alias := lowerFirst(m.Name); alias != m.Name {
			s.methods[methodKey(alias, arity)] = fn
		}
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("server: %T has no exported method usable for %s", impl, s.key())
	}
	return count, nil
}

func buildMethod(rcvr reflect.Value, m reflect.Method) (MethodFunc, int, bool) {
	mt := m.Type
	if mt.IsVariadic() {
		return nil, 0, false
	}

	// In(0) is the receiver
	first := 1
	hasCtx := mt.NumIn() > 1 && mt.In(1) == contextType
	if hasCtx {
		first = 2
	}
	params := make([]reflect.Type, 0, mt.NumIn()-first)
	for i := first; i < mt.NumIn(); i++ {
		params = append(params, mt.In(i))
	}

	var shape resultShape
	switch {
	case mt.NumOut() == 2 && mt.Out(1) == errorType:
		shape = shapeValueError
	case mt.NumOut() == 1 && mt.Out(0) == errorType:
		shape = shapeError
	case mt.NumOut() == 1:
		shape = shapeValue
	default:
		return nil, 0, false
	}

	fn := func(ctx context.Context, raw []json.RawMessage) (any, error) {
		if len(raw) != len(params) {
			return nil, fmt.Errorf("%s expects %d arguments, got %d", m.Name, len(params), len(raw))
		}
		in := make([]reflect.Value, 0, mt.NumIn())
		in = append(in, rcvr)
		if hasCtx {
			if ctx == nil {
				ctx = context.Background()
			}
			in = append(in, reflect.ValueOf(ctx))
		}
		for i, pt := range params {
			v := reflect.New(pt)
			if err := json.Unmarshal(raw[i], v.Interface()); err != nil {
				return nil, fmt.Errorf("decode argument %d of %s: %w", i, m.Name, err)
			}
			in = append(in, v.Elem())
		}

		out := m.Func.Call(in)
		switch shape {
		case shapeValueError:
			return out[0].Interface(), asError(out[1])
		case shapeError:
			return nil, asError(out[0])
		default:
			return out[0].Interface(), nil
		}
	}
	return fn, len(params), true
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}
