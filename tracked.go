package trpc

import (
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// LastEventIDKey is the input key that carries the id of the last event a
// reconnecting client received.
const LastEventIDKey = "lastEventId"

// TrackedEvent is a subscription value tagged with an id. Transports send
// the id along with the value so a client can resume after it.
type TrackedEvent struct {
	ID   string `json:"id"`
	Data any    `json:"data"`
}

// Tracked tags a subscription value with id.
func Tracked(id string, data any) TrackedEvent {
	return TrackedEvent{ID: id, Data: data}
}

// WithLastEventID merges id into a raw input under LastEventIDKey. An
// empty input becomes an object holding only the id. Inputs that are not
// objects are returned unchanged.
func WithLastEventID(raw jsontext.Value, id string) jsontext.Value {
	if id == "" {
		return raw
	}
	idJSON, err := json.Marshal(id)
	if err != nil {
		return raw
	}
	if len(raw) == 0 || raw.Kind() == 'n' {
		return jsontext.Value(`{"` + LastEventIDKey + `":` + string(idJSON) + `}`)
	}
	if raw.Kind() != '{' {
		return raw
	}
	var obj map[string]jsontext.Value
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	obj[LastEventIDKey] = idJSON
	out, err := json.Marshal(obj, json.Deterministic(true))
	if err != nil {
		return raw
	}
	return out
}
