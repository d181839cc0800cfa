// Package schema provides runtime validators usable as procedure input and
// output parsers.
//
//	in := schema.Object(schema.Fields{
//		"name": schema.String().Min(1),
//		"age":  schema.Optional(schema.Int()),
//	})
//	b.Input(in).Query(...)
//
// Validated objects are returned as map[string]any, arrays as []any and
// numbers as float64 (int for Int).
package schema

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/marrasen/trpc"
)

// Issue is a single validation failure. Path is a JSON pointer to the
// offending value; the root is the empty string.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Issues is the error returned when validation fails.
type Issues []Issue

func (is Issues) Error() string {
	parts := make([]string, len(is))
	for i, issue := range is {
		if issue.Path == "" {
			parts[i] = issue.Message
		} else {
			parts[i] = issue.Path + ": " + issue.Message
		}
	}
	return strings.Join(parts, "; ")
}

func issue(path, format string, args ...any) Issues {
	return Issues{{Path: path, Message: fmt.Sprintf(format, args...)}}
}

// Schema validates a plain value. Check returns the (possibly converted)
// value, or the issues found at or below path.
type Schema interface {
	trpc.Parser
	Check(value any, path string) (any, Issues)
}

// base implements trpc.Parser on top of a Check function.
type base struct {
	check func(value any, path string) (any, Issues)
	shape trpc.Shape
}

func (b base) Check(value any, path string) (any, Issues) { return b.check(value, path) }

func (b base) Shape() trpc.Shape { return b.shape }

func (b base) Parse(_ context.Context, value any) (any, error) {
	v, err := plain(value)
	if err != nil {
		return nil, Issues{{Message: "invalid JSON: " + err.Error()}}
	}
	out, issues := b.check(v, "")
	if len(issues) > 0 {
		return nil, issues
	}
	return out, nil
}

// Func wraps a Check function into a Schema.
func Func(shape trpc.Shape, check func(value any, path string) (any, Issues)) Schema {
	return base{check: check, shape: shape}
}

// plain converts a value into the plain form validators work on. Raw JSON
// is decoded; Go structs and other types are round-tripped through JSON.
func plain(value any) (any, error) {
	switch v := value.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return v, nil
	case jsontext.Value:
		return trpc.Normalize(v)
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32:
		return value, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func join(path string, key any) string {
	seg := fmt.Sprint(key)
	seg = strings.ReplaceAll(seg, "~", "~0")
	seg = strings.ReplaceAll(seg, "/", "~1")
	return path + "/" + seg
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
