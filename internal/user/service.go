package user

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// TokenLifetime matches how long the console keeps credentials.
const TokenLifetime = 5 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrInvalidRole        = errors.New("invalid role")
)

type Service struct {
	repo      Store
	jwtSecret string
	onLogin   []func(ctx context.Context, accountID string)
	now       func() time.Time
}

type MyJWTClaims struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		now:       time.Now,
	}
}

// OnLogin registers fn to run after every successful login, before the
// response is sent.
func (s *Service) OnLogin(fn func(ctx context.Context, accountID string)) {
	s.onLogin = append(s.onLogin, fn)
}

// Register is the public sign-up. It always creates a Member.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*Account, error) {
	return s.CreateAccount(ctx, req, RoleMember)
}

// CreateAccount creates an account with the given role. Only trusted callers
// (seeding, operators) may pick a role other than Member.
func (s *Service) CreateAccount(ctx context.Context, req *RegisterRequest, role string) (*Account, error) {
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < 6 {
		return nil, ErrWeakPassword
	}
	if !slices.Contains(roles, role) {
		return nil, ErrInvalidRole
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	a := &Account{
		ID:       uuid.NewString(),
		Email:    strings.ToLower(strings.TrimSpace(req.Email)),
		Password: string(hashedPwd),
		FullName: req.FullName,
		Role:     role,
		Phone:    req.Phone,
	}
	return s.repo.CreateAccount(ctx, a)
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	a, err := s.repo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:   a.ID,
		Role: a.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			Issuer:    "ksms-live",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	for _, fn := range s.onLogin {
		fn(ctx, a.ID)
	}

	return &LoginResponse{
		Token: ss,
		ID:    a.ID,
		Role:  a.Role,
	}, nil
}

// ValidateToken returns the account id and role of a signed token.
func (s *Service) ValidateToken(tokenString string) (string, string, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))

	if err != nil {
		return "", "", err
	}
	if !token.Valid || claims.ID == "" {
		return "", "", fmt.Errorf("invalid token")
	}

	return claims.ID, claims.Role, nil
}

func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	return s.repo.GetByID(ctx, id)
}
