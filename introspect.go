package trpc

import (
	"reflect"
	"strings"
	"time"
)

// ProcedureInfo describes a registered procedure.
type ProcedureInfo struct {
	Path       string        `json:"path"`
	Type       ProcedureType `json:"type"`
	HasInput   bool          `json:"hasInput"`
	InputShape string        `json:"inputShape,omitempty"`
	InputType  string        `json:"inputType,omitempty"`
	OutputType string        `json:"outputType,omitempty"`
	Meta       Meta          `json:"meta,omitempty"`
}

// Describe lists the loaded procedures of r sorted by path. Sub-routers
// that have not been loaded yet are not included; see Router.LazyPaths.
func Describe(r *Router) []ProcedureInfo {
	var out []ProcedureInfo
	r.Walk(func(path string, p *Procedure) {
		info := ProcedureInfo{
			Path:     path,
			Type:     p.Type(),
			HasInput: p.HasInput(),
			Meta:     p.Meta(),
		}
		if info.HasInput {
			info.InputShape = p.InputShape().String()
		}
		if p.inType != nil {
			info.InputType = TypeExpr(p.inType)
		}
		if p.outType != nil {
			info.OutputType = TypeExpr(p.outType)
		}
		out = append(out, info)
	})
	return out
}

var timeType = reflect.TypeFor[time.Time]()

// TypeExpr renders a Go type as a TypeScript-like type expression of its
// JSON form. Struct fields follow their json tags; pointer and omitempty
// fields are optional.
func TypeExpr(t reflect.Type) string {
	return typeExpr(t, map[reflect.Type]bool{})
}

func typeExpr(t reflect.Type, seen map[reflect.Type]bool) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return typeExpr(t.Elem(), seen) + "[]"
	case reflect.Map:
		return "Record<" + typeExpr(t.Key(), seen) + ", " + typeExpr(t.Elem(), seen) + ">"
	case reflect.Pointer:
		return typeExpr(t.Elem(), seen)
	case reflect.Struct:
		if t == timeType {
			return "string"
		}
		if seen[t] {
			return t.Name()
		}
		seen[t] = true
		defer delete(seen, t)

		var b strings.Builder
		b.WriteString("{")
		first := true
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name, skip := jsonName(field)
			if skip {
				continue
			}
			if !first {
				b.WriteString("; ")
			}
			first = false
			b.WriteString(name)
			if isOptional(field) {
				b.WriteString("?")
			}
			b.WriteString(": ")
			b.WriteString(typeExpr(field.Type, seen))
		}
		b.WriteString("}")
		return b.String()
	default:
		return "any"
	}
}

func jsonName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", true
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return field.Name, false
	}
	return name, false
}

func isOptional(field reflect.StructField) bool {
	tag := field.Tag.Get("json")
	if strings.Contains(tag, "omitempty") || strings.Contains(tag, "omitzero") {
		return true
	}
	return field.Type.Kind() == reflect.Pointer
}
