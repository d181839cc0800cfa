package trpc

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
	streamType  = reflect.TypeFor[Stream]()
)

// queryPrefixes mark methods registered as queries by FromMethods.
var queryPrefixes = []string{"Get", "List", "Query"}

// MethodInfo describes a struct method registered as a procedure.
type MethodInfo struct {
	Name         string // Procedure key, lower camel case
	Method       string // Go method name
	StructName   string
	Type         ProcedureType
	RequestType  reflect.Type
	ResponseType reflect.Type // nil for subscriptions
	method       reflect.Value
}

// FromMethods turns the exported methods of handler into procedures built
// on b. A method qualifies when its signature is
//
//	func(ctx context.Context, req *T) (*U, error)
//
// or, for subscriptions,
//
//	func(ctx context.Context, req *T) (trpc.Stream, error)
//
// Methods whose name starts with Get, List or Query become queries, the
// rest mutations. Other methods are ignored. The returned record can be
// passed to NewRouter directly or nested under a key.
func FromMethods(b *Builder, handler any) (Record, error) {
	infos, err := Methods(handler)
	if err != nil {
		return nil, err
	}
	rec := make(Record, len(infos))
	for _, info := range infos {
		p := info.procedure(b)
		if info.ResponseType != nil {
			p.outType = info.ResponseType
		}
		rec[info.Name] = p
	}
	return rec, nil
}

// Methods returns the qualifying methods of handler without building
// procedures.
func Methods(handler any) ([]*MethodInfo, error) {
	v := reflect.ValueOf(handler)
	if !v.IsValid() {
		return nil, fmt.Errorf("handler must be a pointer to a struct, got nil")
	}
	t := v.Type()
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("handler must be a pointer to a struct, got %s", t)
	}

	structName := t.Elem().Name()
	var out []*MethodInfo
	for i := 0; i < t.NumMethod(); i++ {
		if info := validateMethod(t.Method(i), v, structName); info != nil {
			out = append(out, info)
		}
	}
	return out, nil
}

func validateMethod(method reflect.Method, handlerValue reflect.Value, structName string) *MethodInfo {
	mt := method.Type

	// Receiver, context.Context, *Request
	if mt.NumIn() != 3 || mt.NumOut() != 2 {
		return nil
	}
	if !mt.In(1).Implements(contextType) {
		return nil
	}
	reqType := mt.In(2)
	if reqType.Kind() != reflect.Pointer || reqType.Elem().Kind() != reflect.Struct {
		return nil
	}
	if !mt.Out(1).Implements(errorType) {
		return nil
	}

	info := &MethodInfo{
		Name:        lowerCamel(method.Name),
		Method:      method.Name,
		StructName:  structName,
		RequestType: reqType.Elem(),
		method:      handlerValue.Method(method.Index),
	}

	respType := mt.Out(0)
	switch {
	case respType == streamType:
		info.Type = TypeSubscription
	case respType.Kind() == reflect.Pointer && respType.Elem().Kind() == reflect.Struct:
		info.ResponseType = respType.Elem()
		info.Type = TypeMutation
		for _, prefix := range queryPrefixes {
			if strings.HasPrefix(method.Name, prefix) {
				info.Type = TypeQuery
				break
			}
		}
	default:
		return nil
	}
	return info
}

func (info *MethodInfo) procedure(b *Builder) *Procedure {
	b = b.Input(requestParser{typ: info.RequestType}).
		Meta(Meta{"method": info.StructName + "." + info.Method})

	switch info.Type {
	case TypeSubscription:
		return b.Subscription(func(ctx context.Context, opts ResolverOptions) (Stream, error) {
			out, err := info.call(ctx, opts.Input)
			if err != nil {
				return nil, err
			}
			s, _ := out.(Stream)
			return s, nil
		})
	case TypeQuery:
		return b.Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
			return info.call(ctx, opts.Input)
		})
	default:
		return b.Mutation(func(ctx context.Context, opts ResolverOptions) (any, error) {
			return info.call(ctx, opts.Input)
		})
	}
}

// call invokes the method with a parsed *Request.
func (info *MethodInfo) call(ctx context.Context, input any) (any, error) {
	req := reflect.ValueOf(input)
	if !req.IsValid() || req.Type() != reflect.PointerTo(info.RequestType) {
		return nil, ErrInputValidation(fmt.Errorf("expected *%s, got %T", info.RequestType, input))
	}

	results := info.method.Call([]reflect.Value{reflect.ValueOf(ctx), req})

	if errVal := results[1].Interface(); errVal != nil {
		return nil, errVal.(error)
	}
	return results[0].Interface(), nil
}

// requestParser decodes raw input into a freshly allocated request struct.
// Missing input decodes to the zero request.
type requestParser struct {
	typ reflect.Type
}

func (p requestParser) Shape() Shape { return ShapeObject }

func (p requestParser) GoType() reflect.Type { return p.typ }

func (p requestParser) Parse(_ context.Context, value any) (any, error) {
	reqPtr := reflect.New(p.typ)
	switch v := value.(type) {
	case nil:
	case jsontext.Value:
		if len(v) > 0 {
			if err := json.Unmarshal(v, reqPtr.Interface()); err != nil {
				return nil, err
			}
		}
	default:
		if rv := reflect.ValueOf(value); rv.Type() == reqPtr.Type() {
			return value, nil
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, reqPtr.Interface()); err != nil {
			return nil, err
		}
	}
	if vv, ok := reqPtr.Interface().(validatable); ok {
		if err := vv.Validate(); err != nil {
			return nil, err
		}
	}
	return reqPtr.Interface(), nil
}

func lowerCamel(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToLower(runes[0])
	return string(runes)
}
