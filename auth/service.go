package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	feidomain "github.com/betagouv/zacharie-sub005/fei"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrUnauthorized signals a missing or invalid session token.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	roles := req.Roles
	if len(roles) == 0 {
		roles = []feidomain.Role{feidomain.RoleExaminateurInitial}
	}
	for _, role := range roles {
		if !isValidRole(role) {
			return nil, fmt.Errorf("auth: invalid role %q", role)
		}
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Roles:        roles,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user.ID, user.Roles)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the user ID and roles.
func (s *Service) VerifyToken(tokenString string) (string, []feidomain.Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: parse token: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", nil, ErrUnauthorized
	}

	userID, ok := claims["user_id"].(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: invalid user_id in token", ErrUnauthorized)
	}
	rawRoles, ok := claims["roles"].([]any)
	if !ok {
		return "", nil, fmt.Errorf("%w: invalid roles in token", ErrUnauthorized)
	}
	roles := make([]feidomain.Role, 0, len(rawRoles))
	for _, raw := range rawRoles {
		str, ok := raw.(string)
		if !ok || !isValidRole(feidomain.Role(str)) {
			return "", nil, fmt.Errorf("%w: invalid role %v in token", ErrUnauthorized, raw)
		}
		roles = append(roles, feidomain.Role(str))
	}
	return userID, roles, nil
}

// generateToken creates a JWT token for the user.
func (s *Service) generateToken(userID string, roles []feidomain.Role) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"roles":   roles,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func isValidRole(role feidomain.Role) bool {
	switch role {
	case RoleAdmin,
		feidomain.RoleExaminateurInitial,
		feidomain.RolePremierDetenteur,
		feidomain.RoleCollecteurPro,
		feidomain.RoleEtg,
		feidomain.RoleSvi,
		feidomain.RoleCommerceDeDetail,
		feidomain.RoleRepasDeChasseOuAssociatif,
		feidomain.RoleAssociationDeChasse,
		feidomain.RoleConsommateurFinal:
		return true
	default:
		return false
	}
}
