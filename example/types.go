package example

// Request/Response types for the users API

type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (r *CreateUserRequest) Validate() error {
	if r.Name == "" {
		return errRequired("name")
	}
	if r.Email == "" {
		return errRequired("email")
	}
	return nil
}

type GetUserRequest struct {
	ID string `json:"id"`
}

type ListUsersRequest struct{}

type ListUsersResponse struct {
	Users []User `json:"users"`
}

type OnUserCreatedRequest struct{}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Post is a blog post of the posts router.
type Post struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
}

type CreatePostInput struct {
	Title string `json:"title"`
}

func (in CreatePostInput) Validate() error {
	if in.Title == "" {
		return errRequired("title")
	}
	return nil
}

type TickInput struct {
	Count      int `json:"count"`
	IntervalMS int `json:"intervalMs"`
}
