package server

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"prpc/codec"
	"prpc/message"
	"prpc/rpcerr"
)

// Method is one remotely callable operation of a service.
type Method struct {
	Name       string
	ParamTypes []string
	invoke     func(ctx context.Context, args []any) (any, error)
}

// Nullary builds a method without parameters.
func Nullary[R any](name string, fn func(ctx context.Context) (R, error)) Method {
	return Method{
		Name: name,
		invoke: func(ctx context.Context, args []any) (any, error) {
			return fn(ctx)
		},
	}
}

// Unary builds a method taking one parameter of type A.
func Unary[A, R any](name string, fn func(ctx context.Context, a A) (R, error)) Method {
	return Method{
		Name:       name,
		ParamTypes: []string{typeName[A]()},
		invoke: func(ctx context.Context, args []any) (any, error) {
			a, err := arg[A](args, 0)
			if err != nil {
				return nil, err
			}
			return fn(ctx, a)
		},
	}
}

// Binary builds a method taking parameters of types A and B.
func Binary[A, B, R any](name string, fn func(ctx context.Context, a A, b B) (R, error)) Method {
	return Method{
		Name:       name,
		ParamTypes: []string{typeName[A](), typeName[B]()},
		invoke: func(ctx context.Context, args []any) (any, error) {
			a, err := arg[A](args, 0)
			if err != nil {
				return nil, err
			}
			b, err := arg[B](args, 1)
			if err != nil {
				return nil, err
			}
			return fn(ctx, a, b)
		},
	}
}

func typeName[T any]() string {
	return codec.TypeName(reflect.TypeOf((*T)(nil)).Elem())
}

func arg[T any](args []any, i int) (T, error) {
	v, err := codec.Convert(args[i], reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.Interface().(T)
	return out, nil
}

// service is the set of methods published under one "interface:group" name.
type service struct {
	name    string
	methods map[string][]Method // by method name; several entries are overloads
}

func newService(name string, methods []Method) (*service, error) {
	if len(methods) == 0 {
		return nil, fmt.Errorf("rpc: service %s has no callable methods", name)
	}
	s := &service{name: name, methods: make(map[string][]Method)}
	for _, m := range methods {
		if m.invoke == nil {
			return nil, fmt.Errorf("rpc: method %s.%s has no implementation", name, m.Name)
		}
		s.methods[m.Name] = append(s.methods[m.Name], m)
	}
	return s, nil
}

// resolve finds the method for req: by name and declared parameter types first, then by
// name and arity when the caller's type names do not match ours.
func (s *service) resolve(req *message.Request) (*Method, error) {
	candidates := s.methods[req.MethodName]
	if len(candidates) == 0 {
		for name, ms := range s.methods {
			if strings.EqualFold(name, req.MethodName) {
				candidates = ms
				break
			}
		}
	}
	if len(req.ParameterTypes) > 0 {
		for i := range candidates {
			if equalTypes(candidates[i].ParamTypes, req.ParameterTypes) {
				return &candidates[i], nil
			}
		}
	}
	var match *Method
	for i := range candidates {
		if len(candidates[i].ParamTypes) != len(req.ParameterValues) {
			continue
		}
		if match != nil {
			return nil, rpcerr.New(rpcerr.UnknownMethod, "%s.%s%v is ambiguous", s.name, req.MethodName, req.ParameterTypes)
		}
		match = &candidates[i]
	}
	if match == nil {
		return nil, rpcerr.New(rpcerr.UnknownMethod, "%s has no method %s%v", s.name, req.MethodName, req.ParameterTypes)
	}
	return match, nil
}

func equalTypes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// call invokes m, turning a panic into FailedInvokeMethod.
func (s *service) call(ctx context.Context, m *Method, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpcerr.New(rpcerr.FailedInvokeMethod, "%s.%s panicked: %v", s.name, m.Name, r)
		}
	}()
	if len(args) != len(m.ParamTypes) {
		return nil, rpcerr.New(rpcerr.FailedInvokeMethod, "%s.%s takes %d arguments, got %d", s.name, m.Name, len(m.ParamTypes), len(args))
	}
	result, err = m.invoke(ctx, args)
	if err != nil {
		if rpcerr.KindOf(err) == "" {
			err = rpcerr.Wrap(err, rpcerr.FailedInvokeMethod, "%s.%s: %v", s.name, m.Name, err)
		}
		return nil, err
	}
	return result, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// receiverMethods 扫描 rcvr 的导出方法，过滤出合法的 RPC 签名:
//
//	func (r *T) M([ctx context.Context,] args...) (R, error)
//	func (r *T) M([ctx context.Context,] args...) error
//
// Other exported methods are skipped.
func receiverMethods(rcvr any) ([]Method, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	val := reflect.ValueOf(rcvr)

	var methods []Method
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		ft := m.Type
		returnsValue := ft.NumOut() == 2 && ft.Out(1) == errorType
		if !returnsValue && !(ft.NumOut() == 1 && ft.Out(0) == errorType) {
			continue
		}
		first := 1
		withCtx := ft.NumIn() > 1 && ft.In(1) == contextType
		if withCtx {
			first = 2
		}
		var in []reflect.Type
		var names []string
		for j := first; j < ft.NumIn(); j++ {
			in = append(in, ft.In(j))
			names = append(names, codec.TypeName(ft.In(j)))
		}

		fn := m.Func
		methods = append(methods, Method{
			Name:       m.Name,
			ParamTypes: names,
			invoke: func(ctx context.Context, args []any) (any, error) {
				callArgs := make([]reflect.Value, 0, len(in)+2)
				callArgs = append(callArgs, val)
				if withCtx {
					callArgs = append(callArgs, reflect.ValueOf(ctx))
				}
				for j, t := range in {
					v, err := codec.Convert(args[j], t)
					if err != nil {
						return nil, err
					}
					callArgs = append(callArgs, v)
				}
				out := fn.Call(callArgs)
				errv := out[len(out)-1]
				if !errv.IsNil() {
					return nil, errv.Interface().(error)
				}
				if returnsValue {
					return out[0].Interface(), nil
				}
				return nil, nil
			},
		})
	}
	return methods, nil
}
