package schema

import (
	"math"
	"reflect"
	"regexp"
	"slices"
	"unicode/utf8"

	"github.com/marrasen/trpc"
)

// StringSchema validates strings.
type StringSchema struct {
	base
	min, max int
	pattern  *regexp.Regexp
}

// String accepts any string.
func String() *StringSchema {
	s := &StringSchema{min: -1, max: -1}
	s.base = base{check: s.checkString, shape: trpc.ShapeScalar}
	return s
}

func (s *StringSchema) clone() *StringSchema {
	c := *s
	c.base = base{check: c.checkString, shape: trpc.ShapeScalar}
	return &c
}

// Min requires at least n characters.
func (s *StringSchema) Min(n int) *StringSchema {
	c := s.clone()
	c.min = n
	c.base.check = c.checkString
	return c
}

// Max allows at most n characters.
func (s *StringSchema) Max(n int) *StringSchema {
	c := s.clone()
	c.max = n
	c.base.check = c.checkString
	return c
}

// Pattern requires the string to match re.
func (s *StringSchema) Pattern(re *regexp.Regexp) *StringSchema {
	c := s.clone()
	c.pattern = re
	c.base.check = c.checkString
	return c
}

func (s *StringSchema) checkString(value any, path string) (any, Issues) {
	str, ok := value.(string)
	if !ok {
		return nil, issue(path, "expected string, got %s", typeName(value))
	}
	n := utf8.RuneCountInString(str)
	if s.min >= 0 && n < s.min {
		return nil, issue(path, "must contain at least %d character(s)", s.min)
	}
	if s.max >= 0 && n > s.max {
		return nil, issue(path, "must contain at most %d character(s)", s.max)
	}
	if s.pattern != nil && !s.pattern.MatchString(str) {
		return nil, issue(path, "must match %s", s.pattern)
	}
	return str, nil
}

// NumberSchema validates numbers.
type NumberSchema struct {
	base
	integer  bool
	min, max *float64
}

// Number accepts any number and yields a float64.
func Number() *NumberSchema {
	s := &NumberSchema{}
	s.base = base{check: s.checkNumber, shape: trpc.ShapeScalar}
	return s
}

// Int accepts integral numbers and yields an int.
func Int() *NumberSchema {
	s := &NumberSchema{integer: true}
	s.base = base{check: s.checkNumber, shape: trpc.ShapeScalar}
	return s
}

func (s *NumberSchema) with(fn func(*NumberSchema)) *NumberSchema {
	c := *s
	fn(&c)
	c.base = base{check: c.checkNumber, shape: trpc.ShapeScalar}
	return &c
}

// Min requires the number to be at least n.
func (s *NumberSchema) Min(n float64) *NumberSchema {
	return s.with(func(c *NumberSchema) { c.min = &n })
}

// Max requires the number to be at most n.
func (s *NumberSchema) Max(n float64) *NumberSchema {
	return s.with(func(c *NumberSchema) { c.max = &n })
}

func (s *NumberSchema) checkNumber(value any, path string) (any, Issues) {
	f, ok := toFloat(value)
	if !ok {
		return nil, issue(path, "expected number, got %s", typeName(value))
	}
	if s.integer && (f != math.Trunc(f) || math.IsInf(f, 0)) {
		return nil, issue(path, "expected integer, got %v", f)
	}
	if s.min != nil && f < *s.min {
		return nil, issue(path, "must be greater than or equal to %v", *s.min)
	}
	if s.max != nil && f > *s.max {
		return nil, issue(path, "must be less than or equal to %v", *s.max)
	}
	if s.integer {
		return int(f), nil
	}
	return f, nil
}

func toFloat(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Bool accepts true and false.
func Bool() Schema {
	return base{shape: trpc.ShapeScalar, check: func(value any, path string) (any, Issues) {
		b, ok := value.(bool)
		if !ok {
			return nil, issue(path, "expected boolean, got %s", typeName(value))
		}
		return b, nil
	}}
}

// Literal accepts exactly v. Numbers compare by value.
func Literal(v any) Schema {
	want, _ := plain(v)
	return base{shape: trpc.ShapeScalar, check: func(value any, path string) (any, Issues) {
		if equal(want, value) {
			return want, nil
		}
		return nil, issue(path, "expected %v", want)
	}}
}

func equal(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// Enum accepts one of the given strings.
func Enum(values ...string) Schema {
	allowed := slices.Clone(values)
	return base{shape: trpc.ShapeScalar, check: func(value any, path string) (any, Issues) {
		str, ok := value.(string)
		if !ok || !slices.Contains(allowed, str) {
			return nil, issue(path, "expected one of %q", allowed)
		}
		return str, nil
	}}
}
