package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	feidomain "github.com/betagouv/zacharie-sub005/fei"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		FullName: "Alice Chasseuse",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if len(user.Roles) != 1 || user.Roles[0] != feidomain.RoleExaminateurInitial {
		t.Fatalf("register: expected default role %s got %v", feidomain.RoleExaminateurInitial, user.Roles)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	tokenUserID, tokenRoles, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if len(tokenRoles) != 1 || tokenRoles[0] != feidomain.RoleExaminateurInitial {
		t.Fatalf("verify token: expected roles %v got %v", user.Roles, tokenRoles)
	}
}

func TestService_RegisterMultiRole(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "bruno@example.com",
		Password: "strongpassword",
		FullName: "Bruno Détenteur",
		Roles:    []feidomain.Role{feidomain.RoleExaminateurInitial, feidomain.RolePremierDetenteur},
	})
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if len(user.Roles) != 2 {
		t.Fatalf("expected 2 roles got %v", user.Roles)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Chasseuse",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "eve@example.com",
		Password: "strongpassword",
		FullName: "Eve",
		Roles:    []feidomain.Role{"GARDE_CHAMPETRE"},
	}); err == nil {
		t.Fatal("expected validation error for unknown role")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Chasseuse",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenGarbage(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	if _, _, err := svc.VerifyToken("not-a-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Roles:        params.Roles,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
