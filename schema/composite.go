package schema

import (
	"maps"
	"slices"

	"github.com/marrasen/trpc"
)

// Fields maps object keys to their schemas.
type Fields map[string]Schema

// ObjectSchema validates objects. Unknown keys are dropped unless the
// schema is strict.
type ObjectSchema struct {
	base
	fields Fields
	strict bool
}

// Object accepts objects whose keys satisfy fields.
func Object(fields Fields) *ObjectSchema {
	return newObject(maps.Clone(fields), false)
}

func newObject(fields Fields, strict bool) *ObjectSchema {
	s := &ObjectSchema{fields: fields, strict: strict}
	s.base = base{check: s.checkObject, shape: trpc.ShapeObject}
	return s
}

// Strict returns a copy of s that rejects unknown keys.
func (s *ObjectSchema) Strict() *ObjectSchema {
	return newObject(s.fields, true)
}

// Extend returns a copy of s with fields added or replaced.
func (s *ObjectSchema) Extend(fields Fields) *ObjectSchema {
	merged := maps.Clone(s.fields)
	maps.Copy(merged, fields)
	return newObject(merged, s.strict)
}

// Keys returns the declared keys in sorted order.
func (s *ObjectSchema) Keys() []string {
	return slices.Sorted(maps.Keys(s.fields))
}

func (s *ObjectSchema) checkObject(value any, path string) (any, Issues) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, issue(path, "expected object, got %s", typeName(value))
	}

	var issues Issues
	out := make(map[string]any, len(s.fields))
	for _, key := range s.Keys() {
		field := s.fields[key]
		v, present := m[key]
		res, is := field.Check(v, join(path, key))
		if len(is) > 0 {
			if !present && !isOptional(field) {
				issues = append(issues, Issue{Path: join(path, key), Message: "required"})
				continue
			}
			issues = append(issues, is...)
			continue
		}
		if !present && res == nil {
			continue
		}
		out[key] = res
	}
	if s.strict {
		for _, key := range slices.Sorted(maps.Keys(m)) {
			if _, ok := s.fields[key]; !ok {
				issues = append(issues, Issue{Path: join(path, key), Message: "unrecognized key"})
			}
		}
	}
	if len(issues) > 0 {
		return nil, issues
	}
	return out, nil
}

// ArraySchema validates arrays.
type ArraySchema struct {
	base
	elem     Schema
	min, max int
}

// Array accepts arrays whose elements satisfy elem.
func Array(elem Schema) *ArraySchema {
	return newArray(elem, -1, -1)
}

func newArray(elem Schema, lo, hi int) *ArraySchema {
	s := &ArraySchema{elem: elem, min: lo, max: hi}
	s.base = base{check: s.checkArray, shape: trpc.ShapeArray}
	return s
}

// Min requires at least n elements.
func (s *ArraySchema) Min(n int) *ArraySchema { return newArray(s.elem, n, s.max) }

// Max allows at most n elements.
func (s *ArraySchema) Max(n int) *ArraySchema { return newArray(s.elem, s.min, n) }

func (s *ArraySchema) checkArray(value any, path string) (any, Issues) {
	items, ok := value.([]any)
	if !ok {
		return nil, issue(path, "expected array, got %s", typeName(value))
	}
	if s.min >= 0 && len(items) < s.min {
		return nil, issue(path, "must contain at least %d element(s)", s.min)
	}
	if s.max >= 0 && len(items) > s.max {
		return nil, issue(path, "must contain at most %d element(s)", s.max)
	}
	var issues Issues
	out := make([]any, len(items))
	for i, item := range items {
		v, is := s.elem.Check(item, join(path, i))
		if len(is) > 0 {
			issues = append(issues, is...)
			continue
		}
		out[i] = v
	}
	if len(issues) > 0 {
		return nil, issues
	}
	return out, nil
}

type optional struct {
	base
}

func isOptional(s Schema) bool {
	_, ok := s.(optional)
	return ok
}

// Optional accepts a missing or null value in addition to what s accepts.
// Missing object keys stay missing.
func Optional(s Schema) Schema {
	return optional{base{shape: s.Shape(), check: func(value any, path string) (any, Issues) {
		if value == nil {
			return nil, nil
		}
		return s.Check(value, path)
	}}}
}

// Nullable accepts null in addition to what s accepts.
func Nullable(s Schema) Schema {
	return base{shape: s.Shape(), check: func(value any, path string) (any, Issues) {
		if value == nil {
			return nil, nil
		}
		return s.Check(value, path)
	}}
}

// Default replaces a missing or null value with def before validating.
func Default(s Schema, def any) Schema {
	return base{shape: s.Shape(), check: func(value any, path string) (any, Issues) {
		if value == nil {
			value = def
		}
		return s.Check(value, path)
	}}
}

// Union accepts a value that satisfies any of schemas, tried in order.
func Union(schemas ...Schema) Schema {
	shape := trpc.ShapeAny
	if len(schemas) > 0 {
		shape = schemas[0].Shape()
		for _, s := range schemas[1:] {
			if s.Shape() != shape {
				shape = trpc.ShapeAny
				break
			}
		}
	}
	return base{shape: shape, check: func(value any, path string) (any, Issues) {
		for _, s := range schemas {
			if v, is := s.Check(value, path); len(is) == 0 {
				return v, nil
			}
		}
		return nil, issue(path, "no union member matched %s", typeName(value))
	}}
}

// Transform validates with s and then maps the result through fn. An
// error from fn is reported as an issue at the value's path.
func Transform(s Schema, fn func(v any) (any, error)) Schema {
	return base{shape: s.Shape(), check: func(value any, path string) (any, Issues) {
		v, is := s.Check(value, path)
		if len(is) > 0 {
			return nil, is
		}
		out, err := fn(v)
		if err != nil {
			return nil, issue(path, "%s", err.Error())
		}
		return out, nil
	}}
}

// Any accepts every value unchanged.
func Any() Schema {
	return base{shape: trpc.ShapeAny, check: func(value any, _ string) (any, Issues) {
		return value, nil
	}}
}
