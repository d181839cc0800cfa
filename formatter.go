package trpc

import "maps"

// ErrorShape is the client-facing form of an *Error.
type ErrorShape struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// FormatterOptions is what an ErrorFormatter receives.
type FormatterOptions struct {
	Error *Error
	Type  ProcedureType
	Path  string
	Input any
	Ctx   Ctx // nil when the error happened before the context was created

	// Shape is the default shape for Error. Formatters usually start from
	// it and add fields to Data.
	Shape ErrorShape
}

// ErrorFormatter turns an error into its client-facing shape. Changes to
// the code are discarded: the shape always carries the code of Error.
type ErrorFormatter func(opts FormatterOptions) ErrorShape

// DefaultErrorShape returns the shape sent when no formatter is configured.
// The cause is never included.
func DefaultErrorShape(err *Error, path string) ErrorShape {
	data := map[string]any{
		"code":       string(err.Code),
		"httpStatus": err.Code.HTTPStatus(),
	}
	if path != "" {
		data["path"] = path
	}
	return ErrorShape{
		Code:    err.Code.JSONRPC(),
		Message: err.Message,
		Data:    data,
	}
}

// formatError applies f. A panicking formatter yields the default shape.
func formatError(f ErrorFormatter, opts FormatterOptions) (shape ErrorShape) {
	def := DefaultErrorShape(opts.Error, opts.Path)
	if f == nil {
		return def
	}
	defer func() {
		if recover() != nil {
			shape = def
		}
	}()
	opts.Shape = ErrorShape{Code: def.Code, Message: def.Message, Data: maps.Clone(def.Data)}
	shape = f(opts)

	shape.Code = def.Code
	if shape.Data == nil {
		shape.Data = map[string]any{}
	}
	shape.Data["code"] = def.Data["code"]
	return shape
}
