package trpc

import (
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// MessageMethod is the method of a message sent over a persistent
// connection.
type MessageMethod string

const (
	MethodQuery            MessageMethod = "query"
	MethodMutation         MessageMethod = "mutation"
	MethodSubscription     MessageMethod = "subscription"
	MethodSubscriptionStop MessageMethod = "subscription.stop"
)

// ResultType tags the payload of a result envelope.
type ResultType string

const (
	ResultData    ResultType = "data"
	ResultStarted ResultType = "started"
	ResultStopped ResultType = "stopped"
)

// SSE event names.
const (
	EventData            = "data"
	EventStopped         = "stopped"
	EventSerializedError = "serialized-error"
)

// IncomingMessage is a request from client to server.
type IncomingMessage struct {
	ID      jsontext.Value `json:"id"`
	JSONRPC string         `json:"jsonrpc,omitempty"`
	Method  MessageMethod  `json:"method"`
	Params  MessageParams  `json:"params"`
}

// MessageParams addresses a procedure.
type MessageParams struct {
	Path        string         `json:"path"`
	Input       jsontext.Value `json:"input,omitempty"`
	LastEventID string         `json:"lastEventId,omitempty"`
}

// ResultPayload is the successful half of an envelope. ID is set for
// tracked subscription values.
type ResultPayload struct {
	Type ResultType `json:"type,omitempty"`
	ID   string     `json:"id,omitempty"`
	Data any        `json:"data,omitzero"`
}

// Envelope is a response. Exactly one of Result and Error is set.
// ID is only used on persistent connections.
type Envelope struct {
	ID      jsontext.Value `json:"id,omitzero"`
	JSONRPC string         `json:"jsonrpc,omitempty"`
	Result  *ResultPayload `json:"result,omitempty"`
	Error   *ErrorShape    `json:"error,omitempty"`
}

// Envelope converts a response into its wire form.
func (r Response) Envelope() Envelope {
	if r.Shape != nil {
		return Envelope{Error: r.Shape}
	}
	return Envelope{Result: &ResultPayload{Data: r.Result.Data}}
}

// Status returns the HTTP status of the response.
func (r Response) Status() int {
	if r.Result.OK {
		return 200
	}
	return r.Result.Error.Code.HTTPStatus()
}

// Normalize decodes raw JSON into plain Go values (map[string]any, []any,
// float64, string, bool, nil). Other values are returned unchanged.
func Normalize(value any) (any, error) {
	raw, ok := value.(jsontext.Value)
	if !ok {
		return value, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RawInput returns raw as an input value, or nil when raw is empty or a
// JSON null.
func RawInput(raw jsontext.Value) any {
	if len(raw) == 0 || raw.Kind() == 'n' {
		return nil
	}
	return raw
}
