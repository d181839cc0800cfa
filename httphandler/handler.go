// Package httphandler serves the procedures of a trpc.Caller over HTTP.
//
// Queries are sent as GET /{path}?input=<json>, mutations as POST /{path}
// with the input as body. With ?batch=1 the path holds comma separated
// procedure paths and the input is an object keyed by request index.
// Subscriptions are served as server-sent events on GET.
package httphandler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/marrasen/trpc"
)

// Options configures the handler.
type Options struct {
	// DisableBatching rejects ?batch=1 requests with BAD_REQUEST.
	DisableBatching bool
	// ShareBatchContext creates the call context once per batch.
	ShareBatchContext bool
	// MaxBatchSize limits the number of calls in a batch. 0 = unlimited.
	MaxBatchSize int
	// MaxBodyBytes limits the request body. Default: 1 MiB
	MaxBodyBytes int64
	// KeepAlive is the interval of SSE keep-alive comments. Default: 15s
	KeepAlive time.Duration
	// Logger defaults to the caller's logger.
	Logger *zerolog.Logger
	// ResponseMeta sets the status and extra headers of a response, e.g.
	// for caching or cookies. It is called once per HTTP response.
	ResponseMeta func(ResponseMetaInfo) ResponseMeta
}

// ResponseMetaInfo describes a response about to be written.
type ResponseMetaInfo struct {
	Request *http.Request
	Paths   []string
	Type    trpc.ProcedureType // Empty when unknown or mixed
	IsBatch bool
	// Responses holds the call outcomes. It is empty when the request failed
	// before any procedure was called.
	Responses []trpc.Response
	// Errors holds the failures of the response, in order.
	Errors []*trpc.Error
	// Streaming is set for subscriptions served as server-sent events.
	Streaming bool
}

// ResponseMeta is returned by Options.ResponseMeta. A zero Status keeps the
// computed status. Streaming responses always use 200.
type ResponseMeta struct {
	Status int
	Header http.Header
}

func (o *Options) setDefaults(caller *trpc.Caller) {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = caller.Logger()
	}
}

// Handler is the HTTP transport adapter.
type Handler struct {
	caller *trpc.Caller
	opts   Options
	router chi.Router
}

// New creates a handler for caller. Mount it under a prefix; the rest of
// the URL path is the procedure path.
func New(caller *trpc.Caller, opts Options) *Handler {
	opts.setDefaults(caller)
	h := &Handler{caller: caller, opts: opts}

	r := chi.NewRouter()
	r.Get("/*", h.serve)
	r.Post("/*", h.serve)
	r.MethodNotAllowed(h.methodNotAllowed)
	h.router = r
	return h
}

// Routes returns the chi router of the handler.
func (h *Handler) Routes() chi.Router {
	return h.router
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	err := trpc.NewError(trpc.CodeMethodNotSupported, fmt.Sprintf("unsupported HTTP method %s", r.Method))
	h.writeError(w, r, err, "")
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	isBatch := r.URL.Query().Get("batch") == "1"

	if isBatch && h.opts.DisableBatching {
		h.writeError(w, r, trpc.ErrBadRequest("batching is not enabled on this server"), "")
		return
	}

	raw, perr := h.readInput(w, r)
	if perr != nil {
		h.writeError(w, r, perr, path)
		return
	}

	info := &trpc.RequestInfo{
		ID:         uuid.NewString(),
		Transport:  "http",
		Header:     r.Header,
		RemoteAddr: r.RemoteAddr,
		IsBatch:    isBatch,
	}
	ctx := trpc.WithRequestInfo(r.Context(), info)

	if !isBatch {
		h.serveSingle(ctx, w, r, path, raw, info)
		return
	}
	h.serveBatch(ctx, w, r, path, raw, info)
}

// readInput returns the raw JSON input of the request, or nil when there
// is none.
func (h *Handler) readInput(w http.ResponseWriter, r *http.Request) (jsontext.Value, *trpc.Error) {
	var raw []byte
	switch r.Method {
	case http.MethodGet:
		if v := r.URL.Query().Get("input"); v != "" {
			raw = []byte(v)
		}
	default:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, trpc.NewError(trpc.CodePayloadTooLarge, "request body too large")
			}
			return nil, trpc.WrapError(trpc.CodeBadRequest, "failed to read request body", err)
		}
		raw = body
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, trpc.NewError(trpc.CodeParseError, "input is not valid JSON")
	}
	return jsontext.Value(raw), nil
}

// procedureType picks the type to call path with from the HTTP method.
// GET serves queries and subscriptions, POST serves mutations.
func (h *Handler) procedureType(ctx context.Context, method, path string) (trpc.ProcedureType, *trpc.Error) {
	want := trpc.TypeQuery
	if method == http.MethodPost {
		want = trpc.TypeMutation
	}
	p, err := h.caller.Router().Resolve(ctx, path)
	if err != nil {
		// Let the caller report it.
		return want, nil
	}
	switch {
	case p.Type() == want:
		return want, nil
	case p.Type() == trpc.TypeSubscription && method == http.MethodGet:
		return trpc.TypeSubscription, nil
	}
	return "", trpc.NewError(trpc.CodeMethodNotSupported,
		fmt.Sprintf("unsupported %s-procedure over HTTP %s", p.Type(), method))
}

func (h *Handler) serveSingle(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, raw jsontext.Value, info *trpc.RequestInfo) {
	typ, terr := h.procedureType(ctx, r.Method, path)
	if terr != nil {
		h.writeError(w, r, terr, path)
		return
	}
	if typ == trpc.TypeSubscription {
		raw = trpc.WithLastEventID(raw, lastEventID(r))
	}

	resp := h.caller.Call(ctx, trpc.Request{
		Path:  path,
		Type:  typ,
		Input: trpc.RawInput(raw),
		Info:  info,
	})

	meta := ResponseMetaInfo{Request: r, Paths: []string{path}, Type: resp.Type, Responses: []trpc.Response{resp}}
	if resp.Result.OK && resp.Type == trpc.TypeSubscription {
		meta.Streaming = true
		h.serveStream(w, r, meta, resp.Result.Data.(trpc.Stream))
		return
	}
	if !resp.Result.OK {
		meta.Errors = []*trpc.Error{resp.Result.Error}
	}
	h.writeJSON(w, h.applyMeta(w, resp.Status(), meta), resp.Envelope())
}

// lastEventID returns the id a reconnecting SSE client resumes from. Browsers
// send the Last-Event-ID header; the query parameter serves clients that
// cannot set headers.
func lastEventID(r *http.Request) string {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get(trpc.LastEventIDKey)
}

func (h *Handler) serveBatch(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, raw jsontext.Value, info *trpc.RequestInfo) {
	paths := strings.Split(path, ",")
	if h.opts.MaxBatchSize > 0 && len(paths) > h.opts.MaxBatchSize {
		h.writeError(w, r, trpc.NewError(trpc.CodePayloadTooLarge,
			fmt.Sprintf("batch of %d calls exceeds the limit of %d", len(paths), h.opts.MaxBatchSize)), "")
		return
	}
	if raw != nil && raw.Kind() != '{' {
		h.writeError(w, r, trpc.ErrBadRequest(`batch input must be an object keyed by call index ("0", "1", ...)`), "")
		return
	}

	responses := make([]trpc.Response, len(paths))
	var reqs []trpc.Request
	var index []int
	for i, p := range paths {
		typ, terr := h.procedureType(ctx, r.Method, p)
		if terr == nil && typ == trpc.TypeSubscription {
			terr = trpc.ErrBadRequest("subscriptions cannot be batched")
		}
		if terr != nil {
			shape := h.caller.FormatError(terr, p, typ)
			responses[i] = trpc.Response{Path: p, Type: typ, Result: trpc.Result{Error: terr}, Shape: &shape}
			continue
		}
		var input any
		if raw != nil {
			if res := gjson.GetBytes(raw, strconv.Itoa(i)); res.Exists() {
				input = trpc.RawInput(jsontext.Value(res.Raw))
			}
		}
		reqs = append(reqs, trpc.Request{Path: p, Type: typ, Input: input})
		index = append(index, i)
	}

	results := h.caller.Batch(ctx, reqs, trpc.BatchOptions{
		ShareContext: h.opts.ShareBatchContext,
		Info:         info,
	})
	for j, res := range results {
		responses[index[j]] = res
	}

	status := 0
	meta := ResponseMetaInfo{Request: r, Paths: paths, IsBatch: true, Responses: responses}
	envelopes := make([]trpc.Envelope, len(responses))
	for i, res := range responses {
		envelopes[i] = res.Envelope()
		if !res.Result.OK {
			meta.Errors = append(meta.Errors, res.Result.Error)
		}
		switch {
		case i == 0:
			meta.Type = res.Type
		case meta.Type != res.Type:
			meta.Type = ""
		}
		switch s := res.Status(); {
		case status == 0:
			status = s
		case status != s:
			status = http.StatusMultiStatus
		}
	}
	if status == 0 {
		status = http.StatusOK
	}
	h.writeJSON(w, h.applyMeta(w, status, meta), envelopes)
}

// serveStream forwards a subscription as server-sent events until the
// stream ends or the client goes away. The stream is always closed.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, meta ResponseMetaInfo, stream trpc.Stream) {
	defer stream.Close()
	ctx := r.Context()
	path := meta.Paths[0]

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, trpc.ErrInternal(errors.New("streaming not supported")), path)
		return
	}

	h.applyMeta(w, http.StatusOK, meta)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := newSSEWriter(w, flusher)
	defer sse.close()

	type item struct {
		v   any
		err error
	}
	items := make(chan item)
	go func() {
		for {
			v, err := stream.Recv(ctx)
			select {
			case items <- item{v, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	keepAlive := time.NewTicker(h.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			sse.sendComment("ping")
		case it := <-items:
			switch {
			case errors.Is(it.err, io.EOF):
				sse.sendEvent(trpc.EventStopped, "", []byte("{}"))
				return
			case it.err != nil:
				perr := trpc.FromError(it.err)
				h.opts.Logger.Debug().Err(it.err).Str("path", path).Msg("subscription failed")
				data, _ := json.Marshal(h.caller.FormatError(perr, path, trpc.TypeSubscription))
				sse.sendEvent(trpc.EventSerializedError, "", data)
				return
			}
			v, id := it.v, ""
			if ev, ok := v.(trpc.TrackedEvent); ok {
				v, id = ev.Data, ev.ID
			}
			data, err := json.Marshal(v)
			if err != nil {
				h.opts.Logger.Error().Err(err).Str("path", path).Msg("failed to encode subscription data")
				return
			}
			if err := sse.sendEvent(trpc.EventData, id, data); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err *trpc.Error, path string) {
	shape := h.caller.FormatError(err, path, "")
	meta := ResponseMetaInfo{
		Request: r,
		IsBatch: r.URL.Query().Get("batch") == "1",
		Errors:  []*trpc.Error{err},
	}
	if path != "" {
		meta.Paths = []string{path}
	}
	h.writeJSON(w, h.applyMeta(w, err.Code.HTTPStatus(), meta), trpc.Envelope{Error: &shape})
}

// applyMeta adds the headers of Options.ResponseMeta and returns the status
// to write.
func (h *Handler) applyMeta(w http.ResponseWriter, status int, info ResponseMetaInfo) int {
	if h.opts.ResponseMeta == nil {
		return status
	}
	meta := h.opts.ResponseMeta(info)
	for key, values := range meta.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if meta.Status != 0 {
		status = meta.Status
	}
	return status
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.MarshalWrite(w, v); err != nil {
		h.opts.Logger.Error().Err(err).Msg("failed to encode response")
	}
}
