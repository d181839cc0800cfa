// Package example is a demo API exercising every procedure feature:
// schema and typed inputs, middleware context, struct-method registration,
// subscriptions, lazy sub-routers and merged routers.
package example

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/marrasen/trpc"
	"github.com/marrasen/trpc/schema"
)

// CreateContext builds the call context from the transport request. The
// user comes from an "Authorization: Bearer <user>" header or, on
// WebSocket connections, from the "user" connection parameter.
func CreateContext(ctx context.Context, info *trpc.RequestInfo) (trpc.Ctx, error) {
	c := trpc.Ctx{"requestId": info.ID}
	if user := userFromHeader(info.Header); user != "" {
		c["user"] = user
	}
	if user := info.Params["user"]; user != "" {
		c["user"] = user
	}
	return c, nil
}

func userFromHeader(h http.Header) string {
	if h == nil {
		return ""
	}
	auth := h.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// Authed rejects calls without a user. Procedures with the "role" meta
// additionally require the user to carry that name.
func Authed(ctx context.Context, opts trpc.MiddlewareOptions) (*trpc.MiddlewareResult, error) {
	user, _ := trpc.Get[string](opts.Ctx, "user")
	if user == "" {
		return nil, trpc.ErrUnauthorized("authentication required")
	}
	if role, ok := opts.Meta["role"].(string); ok && role != user {
		return nil, trpc.ErrForbidden("requires role " + role)
	}
	return opts.Next(ctx, trpc.WithCtx(trpc.Ctx{"user": user})), nil
}

var (
	public    = trpc.NewBuilder()
	protected = public.Use(Authed)
)

// App holds the state behind the demo router.
type App struct {
	Users  *Users
	Posts  *PostStore
	Router *trpc.Router
}

// New builds the demo application.
func New() (*App, error) {
	app := &App{
		Users: NewUsers(),
		Posts: NewPostStore(),
	}

	users, err := trpc.FromMethods(public, app.Users)
	if err != nil {
		return nil, err
	}

	api, err := trpc.NewRouter(trpc.Record{
		"greeting": public.
			Input(schema.Object(schema.Fields{"name": schema.String()})).
			Query(trpc.Handle(greeting)),
		"users": users,
		"posts": trpc.Record{
			"list": public.Query(func(ctx context.Context, opts trpc.ResolverOptions) (any, error) {
				return app.Posts.List(), nil
			}),
			"byId": public.
				Input(schema.Object(schema.Fields{"id": schema.Int().Min(1)})).
				Query(trpc.Handle(app.postByID)),
			"create": protected.
				Input(trpc.Decode[CreatePostInput]()).
				Mutation(trpc.Handle(app.createPost)),
		},
		"tick": public.
			Input(schema.Object(schema.Fields{
				"count":      schema.Default(schema.Int().Min(1).Max(1000), 3),
				"intervalMs": schema.Default(schema.Int().Min(1).Max(60000), 100),
			})).
			Output(schema.Int()).
			Subscription(trpc.HandleStream(tick)),
		"admin": trpc.Lazy(func(ctx context.Context) (*trpc.Router, error) {
			return app.adminRouter()
		}),
	})
	if err != nil {
		return nil, err
	}

	app.Router, err = trpc.MergeRouters(api, systemRouter)
	if err != nil {
		return nil, err
	}
	return app, nil
}

type greetingInput struct {
	Name string `json:"name"`
}

func greeting(ctx context.Context, c trpc.Ctx, in greetingInput) (string, error) {
	return "hello " + in.Name, nil
}

type postByIDInput struct {
	ID int `json:"id"`
}

func (app *App) postByID(ctx context.Context, c trpc.Ctx, in postByIDInput) (Post, error) {
	p, ok := app.Posts.Get(in.ID)
	if !ok {
		return Post{}, trpc.NewError(trpc.CodeNotFound, "post not found")
	}
	return p, nil
}

func (app *App) createPost(ctx context.Context, c trpc.Ctx, in CreatePostInput) (Post, error) {
	user, _ := trpc.Get[string](c, "user")
	return app.Posts.Add(in.Title, user), nil
}

func tick(ctx context.Context, c trpc.Ctx, in TickInput) (trpc.Stream, error) {
	interval := time.Duration(in.IntervalMS) * time.Millisecond
	return trpc.Generator(func(ctx context.Context, yield func(any) bool) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for i := 0; i < in.Count; i++ {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			if !yield(i) {
				return nil
			}
		}
		return nil
	}), nil
}

type adminStats struct {
	Users      int `json:"users"`
	Posts      int `json:"posts"`
	Subscribed int `json:"subscribed"`
	Goroutines int `json:"goroutines"`
}

func (app *App) adminRouter() (*trpc.Router, error) {
	admin := protected.Meta(trpc.Meta{"role": "admin"})
	return trpc.NewRouter(trpc.Record{
		"stats": admin.Query(func(ctx context.Context, opts trpc.ResolverOptions) (any, error) {
			list, err := app.Users.ListUsers(ctx, &ListUsersRequest{})
			if err != nil {
				return nil, err
			}
			return adminStats{
				Users:      len(list.Users),
				Posts:      len(app.Posts.List()),
				Subscribed: app.Users.Subscribers(),
				Goroutines: runtime.NumGoroutine(),
			}, nil
		}),
	})
}

var systemRouter = trpc.MustRouter(trpc.Record{
	"system": trpc.Record{
		"health": public.Query(func(ctx context.Context, opts trpc.ResolverOptions) (any, error) {
			return map[string]any{"status": "ok"}, nil
		}),
		"echo": public.
			Input(schema.Any()).
			Mutation(func(ctx context.Context, opts trpc.ResolverOptions) (any, error) {
				return opts.Input, nil
			}),
		"fail": public.Query(func(ctx context.Context, opts trpc.ResolverOptions) (any, error) {
			return nil, errors.New("something broke")
		}),
	},
})

// PostStore is an in-memory post list.
type PostStore struct {
	mu    sync.RWMutex
	posts []Post
}

func NewPostStore() *PostStore {
	return &PostStore{}
}

func (s *PostStore) Add(title, author string) Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Post{ID: len(s.posts) + 1, Title: title, Author: author}
	s.posts = append(s.posts, p)
	return p
}

func (s *PostStore) Get(id int) (Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 1 || id > len(s.posts) {
		return Post{}, false
	}
	return s.posts[id-1], true
}

func (s *PostStore) List() []Post {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Post{}, s.posts...)
}
