package auth

import (
	"time"

	"github.com/betagouv/zacharie-sub005/fei"
)

// RoleAdmin is the only user role outside the custody chain.
const RoleAdmin fei.Role = "ADMIN"

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	// A user commonly holds several custody roles at once: most examiners
	// are also premier detenteurs of their own kills.
	Roles             []fei.Role
	FirstFeiTreatedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	FullName string     `json:"full_name"`
	Roles    []fei.Role `json:"roles"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
