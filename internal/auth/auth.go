// Package auth provides credential verification and bearer tokens for the
// HTTP boundary.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vaibav03/resolute-ai/internal/scraper"
)

// Errors surfaced to the HTTP layer.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Config controls token issuance.
type Config struct {
	Secret   string
	TokenTTL time.Duration
}

// Service verifies credentials and issues/validates HS256 bearer tokens.
type Service struct {
	users  scraper.UserStore
	idGen  scraper.IDGenerator
	clock  scraper.Clock
	cfg    Config
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(
	users scraper.UserStore,
	idGen scraper.IDGenerator,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 300 * time.Minute
	}
	return &Service{
		users:  users,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Signup creates a new account with a bcrypt-hashed password. A taken
// username surfaces scraper.ErrAlreadyExists.
func (s *Service) Signup(ctx context.Context, username, password string) (scraper.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return scraper.User{}, errors.New("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return scraper.User{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return scraper.User{}, fmt.Errorf("generate user id: %w", err)
	}
	user := scraper.User{
		ID:           id,
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    s.clock.Now(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return scraper.User{}, err
	}
	return user, nil
}

// IssueToken verifies the credentials and returns a signed bearer token.
func (s *Service) IssueToken(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.UserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, scraper.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := s.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Authenticate validates a bearer token and loads the user it names.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (scraper.User, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return scraper.User{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return scraper.User{}, ErrInvalidToken
	}
	user, err := s.users.UserByUsername(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, scraper.ErrNotFound) {
			return scraper.User{}, ErrInvalidToken
		}
		return scraper.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

type userContextKey struct{}

// Middleware enforces a valid bearer token and attaches the authenticated
// user to the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			unauthorized(w, "missing bearer token")
			return
		}
		user, err := s.Authenticate(r.Context(), token)
		if err != nil {
			s.logger.Debug("authentication rejected", zap.Error(err))
			unauthorized(w, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFrom returns the authenticated user attached by Middleware.
func UserFrom(ctx context.Context) (scraper.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(scraper.User)
	return user, ok
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(fmt.Sprintf("{\"error\":%q}", detail)))
}
