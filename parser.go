package trpc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Shape is the coarse kind of value a parser produces. Builders use it to
// reject input parser combinations that cannot be merged.
type Shape int

const (
	ShapeAny Shape = iota
	ShapeObject
	ShapeArray
	ShapeScalar
)

func (s Shape) String() string {
	switch s {
	case ShapeObject:
		return "object"
	case ShapeArray:
		return "array"
	case ShapeScalar:
		return "scalar"
	default:
		return "any"
	}
}

// mergeable reports whether an input parser of shape next may follow one of
// shape prev.
func mergeable(prev, next Shape) bool {
	ok := func(s Shape) bool { return s == ShapeObject || s == ShapeAny }
	return ok(prev) && ok(next)
}

// Parser validates and optionally transforms a value at the call boundary.
// Parse returns an error when the value is rejected.
type Parser interface {
	Parse(ctx context.Context, value any) (any, error)
	Shape() Shape
}

// ParseFunc is the function form of Parser.Parse.
type ParseFunc func(ctx context.Context, value any) (any, error)

type funcParser struct {
	shape Shape
	fn    ParseFunc
}

func (p funcParser) Parse(ctx context.Context, value any) (any, error) { return p.fn(ctx, value) }
func (p funcParser) Shape() Shape                                    { return p.shape }

// NewParser creates a Parser from a function and the shape it produces.
func NewParser(shape Shape, fn ParseFunc) Parser {
	return funcParser{shape: shape, fn: fn}
}

// validatable is implemented by decoded values that check themselves.
type validatable interface {
	Validate() error
}

type decodeParser[T any] struct {
	shape Shape
}

// Decode returns a Parser that decodes the raw value into T. Values that are
// already a T pass through; anything else is round-tripped through JSON. If
// T (or *T) has a Validate() error method it is called after decoding.
func Decode[T any]() Parser {
	return decodeParser[T]{shape: shapeOf(reflect.TypeFor[T]())}
}

func (p decodeParser[T]) Shape() Shape { return p.shape }

func (p decodeParser[T]) GoType() reflect.Type { return reflect.TypeFor[T]() }

func (p decodeParser[T]) Parse(_ context.Context, value any) (any, error) {
	if value == nil && !nullable(reflect.TypeFor[T]()) {
		return nil, fmt.Errorf("expected %s, got null", reflect.TypeFor[T]())
	}
	v, err := As[T](value)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return v, nil
	}
	if vv, ok := any(v).(validatable); ok {
		if err := vv.Validate(); err != nil {
			return nil, err
		}
	} else if vv, ok := any(&v).(validatable); ok {
		if err := vv.Validate(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// As converts a decoded input or output value into T. A nil value yields
// the zero T.
func As[T any](value any) (T, error) {
	var out T
	switch v := value.(type) {
	case T:
		return v, nil
	case nil:
		return out, nil
	case jsontext.Value:
		if err := json.Unmarshal(v, &out); err != nil {
			return out, err
		}
		return out, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

func shapeOf(t reflect.Type) Shape {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Map:
		return ShapeObject
	case reflect.Slice, reflect.Array:
		return ShapeArray
	case reflect.Interface:
		return ShapeAny
	default:
		return ShapeScalar
	}
}

func nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return true
	}
	return false
}
