package example

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/marrasen/trpc"
)

func errRequired(field string) error {
	return fmt.Errorf("%s is required", field)
}

// Users implements the users API. Its methods are registered with
// trpc.FromMethods.
type Users struct {
	mu      sync.RWMutex
	users   map[string]*User
	nextID  int
	subs    map[int]trpc.Emitter
	nextSub int
}

func NewUsers() *Users {
	return &Users{
		users:  make(map[string]*User),
		nextID: 1,
		subs:   make(map[int]trpc.Emitter),
	}
}

// CreateUser creates a new user
func (h *Users) CreateUser(ctx context.Context, req *CreateUserRequest) (*User, error) {
	h.mu.Lock()
	id := fmt.Sprintf("user_%d", h.nextID)
	h.nextID++
	user := &User{
		ID:    id,
		Name:  req.Name,
		Email: req.Email,
	}
	h.users[id] = user
	subs := make([]trpc.Emitter, 0, len(h.subs))
	for _, e := range h.subs {
		subs = append(subs, e)
	}
	h.mu.Unlock()

	// Notify subscribers that a user was created
	for _, e := range subs {
		e.Next(*user)
	}
	return user, nil
}

// GetUser retrieves a user by ID
func (h *Users) GetUser(ctx context.Context, req *GetUserRequest) (*User, error) {
	if req.ID == "" {
		return nil, trpc.ErrBadRequest("id is required")
	}

	h.mu.RLock()
	user, ok := h.users[req.ID]
	h.mu.RUnlock()

	if !ok {
		return nil, trpc.NewError(trpc.CodeNotFound, "user not found")
	}
	return user, nil
}

// ListUsers returns all users sorted by ID
func (h *Users) ListUsers(ctx context.Context, req *ListUsersRequest) (*ListUsersResponse, error) {
	h.mu.RLock()
	users := make([]User, 0, len(h.users))
	for _, u := range h.users {
		users = append(users, *u)
	}
	h.mu.RUnlock()

	slices.SortFunc(users, func(a, b User) int { return strings.Compare(a.ID, b.ID) })
	return &ListUsersResponse{Users: users}, nil
}

// OnUserCreated streams every user created after the subscription started.
func (h *Users) OnUserCreated(ctx context.Context, req *OnUserCreatedRequest) (trpc.Stream, error) {
	return trpc.Observable(func(ctx context.Context, emit trpc.Emitter) (func(), error) {
		h.mu.Lock()
		id := h.nextSub
		h.nextSub++
		h.subs[id] = emit
		h.mu.Unlock()

		return func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		}, nil
	}), nil
}

// Subscribers returns the number of active OnUserCreated streams.
func (h *Users) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
