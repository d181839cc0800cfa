package trpc

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Record describes a router. Values are *Procedure, *Router, *LazyRouter,
// or a nested Record (map[string]any is accepted too).
type Record map[string]any

// reservedKeys cannot be used as record keys.
var reservedKeys = map[string]bool{
	"then": true,
}

// node is a tree node: a leaf holding a procedure or a branch holding
// children.
type node struct {
	proc     *Procedure
	children map[string]*node
}

func newBranch() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) leaf() bool { return n.proc != nil }

// Router is a read-only tree of procedures addressed by dot-joined paths.
// Routers are built once at startup; the only mutation afterwards is the
// one-time loading of lazy sub-routers, which is synchronized.
type Router struct {
	mu         sync.RWMutex
	root       *node
	procedures map[string]*Procedure
	lazy       map[string]*LazyRouter
}

func newRouter() *Router {
	return &Router{
		root:       newBranch(),
		procedures: make(map[string]*Procedure),
		lazy:       make(map[string]*LazyRouter),
	}
}

// LazyRouter is a sub-router loaded on first use.
type LazyRouter struct {
	load func(ctx context.Context) (*Router, error)

	mu     sync.Mutex
	router *Router
}

// Lazy returns a sub-router that is loaded by load the first time a path
// under it is resolved. A failed load is retried on the next resolve.
func Lazy(load func(ctx context.Context) (*Router, error)) *LazyRouter {
	return &LazyRouter{load: load}
}

func (l *LazyRouter) get(ctx context.Context) (*Router, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.router != nil {
		return l.router, nil
	}
	r, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errInvalidBuild("lazy router loader returned nil")
	}
	l.router = r
	return r, nil
}

// NewRouter builds a router from a record. It fails with DUPLICATE_PATH
// when two procedures flatten to the same path, and with INVALID_BUILD for
// malformed keys, unsupported values, or procedures carrying a build error.
func NewRouter(record Record) (*Router, error) {
	r := newRouter()
	if err := r.addRecord(record, ""); err != nil {
		return nil, err
	}
	return r, nil
}

// MustRouter is like NewRouter but panics on error. It is meant for
// package-level router definitions that must fail at startup.
func MustRouter(record Record) *Router {
	r, err := NewRouter(record)
	if err != nil {
		panic(err)
	}
	return r
}

// MergeRouters combines routers into a new one. Colliding paths fail with
// DUPLICATE_PATH.
func MergeRouters(routers ...*Router) (*Router, error) {
	out := newRouter()
	for _, r := range routers {
		if err := out.addRouter(r, ""); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MergeWithPrefix returns a new router holding every path of r prefixed by
// prefix. The prefix is concatenated as-is, so callers choose the
// separator ("posts." or "posts:").
func MergeWithPrefix(prefix string, r *Router) (*Router, error) {
	out := newRouter()
	if err := out.addRouter(r, prefix); err != nil {
		return nil, err
	}
	return out, nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func (r *Router) addRecord(record map[string]any, prefix string) error {
	keys := slices.Sorted(maps.Keys(record))
	for _, key := range keys {
		if key == "" || strings.Contains(key, ".") {
			return errInvalidBuild("invalid router key %q under %q: keys must be non-empty and must not contain '.'", key, prefix)
		}
		if reservedKeys[key] {
			return errInvalidBuild("reserved word used as router key: %s", key)
		}
		path := join(prefix, key)
		switch v := record[key].(type) {
		case *Procedure:
			if err := r.addProcedure(path, v); err != nil {
				return err
			}
		case *Router:
			if err := r.addRouter(v, path+"."); err != nil {
				return err
			}
		case *LazyRouter:
			if err := r.addLazy(path, v); err != nil {
				return err
			}
		case Record:
			if err := r.addRecord(v, path); err != nil {
				return err
			}
		case map[string]any:
			if err := r.addRecord(v, path); err != nil {
				return err
			}
		default:
			return errInvalidBuild("unsupported router value %T at %q", v, path)
		}
	}
	return nil
}

// addRouter copies every loaded procedure and pending lazy loader of src
// under prefix.
func (r *Router) addRouter(src *Router, prefix string) error {
	src.mu.RLock()
	procs := maps.Clone(src.procedures)
	lazy := maps.Clone(src.lazy)
	src.mu.RUnlock()

	for _, path := range slices.Sorted(maps.Keys(procs)) {
		if err := r.addProcedure(prefix+path, procs[path]); err != nil {
			return err
		}
	}
	for _, key := range slices.Sorted(maps.Keys(lazy)) {
		if err := r.addLazy(prefix+key, lazy[key]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) addProcedure(path string, p *Procedure) error {
	if p == nil {
		return errInvalidBuild("nil procedure at %q", path)
	}
	if err := p.Err(); err != nil {
		return WrapError(CodeInvalidBuild, fmt.Sprintf("procedure %q: %s", path, p.err.Message), p.err)
	}
	if err := r.check(path); err != nil {
		return err
	}
	r.insert(path, p)
	return nil
}

func (r *Router) addLazy(path string, l *LazyRouter) error {
	if l == nil {
		return errInvalidBuild("nil lazy router at %q", path)
	}
	if err := r.check(path); err != nil {
		return err
	}
	r.lazy[path] = l
	return nil
}

// check reports a DUPLICATE_PATH error if path cannot be added: it is
// already taken, it passes through a leaf, or it overlaps a lazy
// sub-router.
func (r *Router) check(path string) *Error {
	for key := range r.lazy {
		if path == key || strings.HasPrefix(path, key+".") || strings.HasPrefix(key, path+".") {
			return errDuplicatePath(path)
		}
	}
	n := r.root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return errInvalidBuild("invalid procedure path %q", path)
		}
		if n.leaf() {
			return errDuplicatePath(path)
		}
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	// The full path already exists as a leaf or a branch.
	return errDuplicatePath(path)
}

func (r *Router) insert(path string, p *Procedure) {
	segs := strings.Split(path, ".")
	n := r.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := n.children[seg]
		if !ok {
			child = newBranch()
			n.children[seg] = child
		}
		n = child
	}
	n.children[segs[len(segs)-1]] = &node{proc: p}
	r.procedures[path] = p
}

// lookup walks the tree one segment at a time. Paths ending on a branch
// are not found.
func (r *Router) lookup(path string) *Procedure {
	n := r.root
	for _, seg := range strings.Split(path, ".") {
		if n.leaf() {
			return nil
		}
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n.proc
}

func (r *Router) findLazy(path string) (string, *LazyRouter) {
	for key, l := range r.lazy {
		if strings.HasPrefix(path, key+".") {
			return key, l
		}
	}
	return "", nil
}

// Resolve returns the procedure at path, loading lazy sub-routers on the
// way. It fails with NOT_FOUND when a segment is missing or the path ends
// on a sub-router.
func (r *Router) Resolve(ctx context.Context, path string) (*Procedure, error) {
	if path == "" {
		return nil, ErrNotFound(path)
	}
	for {
		r.mu.RLock()
		p := r.lookup(path)
		key, l := r.findLazy(path)
		r.mu.RUnlock()

		if p != nil {
			return p, nil
		}
		if l == nil {
			return nil, ErrNotFound(path)
		}
		if err := r.loadLazy(ctx, key, l); err != nil {
			return nil, err
		}
	}
}

func (r *Router) loadLazy(ctx context.Context, key string, l *LazyRouter) error {
	sub, err := l.get(ctx)
	if err != nil {
		return WrapError(CodeInternalServerError, fmt.Sprintf("failed to load router %q", key), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lazy[key] != l {
		// Loaded concurrently.
		return nil
	}
	delete(r.lazy, key)
	if err := r.addRouter(sub, key+"."); err != nil {
		r.lazy[key] = l
		return err
	}
	return nil
}

// Procedures returns the sorted paths of all loaded procedures.
func (r *Router) Procedures() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.procedures))
}

// Walk calls fn for every loaded procedure in path order.
func (r *Router) Walk(fn func(path string, p *Procedure)) {
	r.mu.RLock()
	procs := maps.Clone(r.procedures)
	r.mu.RUnlock()
	for _, path := range slices.Sorted(maps.Keys(procs)) {
		fn(path, procs[path])
	}
}

// LazyPaths returns the sorted prefixes of sub-routers not loaded yet.
func (r *Router) LazyPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.lazy))
}
