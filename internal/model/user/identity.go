package user

// Identity is an authenticated principal. Email is the allow-list key.
type Identity struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}
