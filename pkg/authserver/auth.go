package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the work factor for stored password hashes.
const DefaultBcryptCost = 12

// ErrRateLimited is the per-request error behind a 429 response.
var ErrRateLimited = errors.New("Too many requests")

// AuthError is a user-facing authentication failure carried to the response.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string { return e.Message }

var (
	errInvalidCredentials = &AuthError{Status: http.StatusUnauthorized, Message: "Invalid credentials"}
	errUserExists         = &AuthError{Status: http.StatusConflict, Message: "User already exists"}
	errMissingBearer      = &AuthError{Status: http.StatusUnauthorized, Message: "Missing bearer token"}
	errInvalidToken       = &AuthError{Status: http.StatusUnauthorized, Message: "Invalid token"}
)

func missingField(name string) *AuthError {
	return &AuthError{Status: http.StatusBadRequest, Message: "Missing field: " + name}
}

// Claims are carried in issued tokens. Subject is the user's email.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// UserView is the public part of a user returned to clients.
type UserView struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Session is the body of a successful login or signup.
type Session struct {
	Token string   `json:"token"`
	User  UserView `json:"user"`
}

// Authenticator implements signup, login and token verification.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	cost   int
	users  UserRepository
	now    func() time.Time
}

// NewAuthenticator returns an authenticator signing HS256 tokens with secret.
func NewAuthenticator(secret, issuer string, ttl time.Duration, cost int, users UserRepository, now func() time.Time) *Authenticator {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		cost:   cost,
		users:  users,
		now:    now,
	}
}

// Signup creates an account and returns a session for it.
func (a *Authenticator) Signup(ctx context.Context, name, email, password string) (*Session, error) {
	email = strings.ToLower(email)
	exists, err := a.users.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if exists {
		return nil, errUserExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{Email: email, Name: strings.TrimSpace(name), PasswordHash: hash}
	if err := a.users.Insert(ctx, u); err != nil {
		if errors.Is(err, ErrUserExists) {
			return nil, errUserExists
		}
		return nil, fmt.Errorf("store user: %w", err)
	}
	return a.session(u)
}

// Login checks credentials. Unknown users and wrong passwords fail with the
// same error.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := a.users.FindByEmail(ctx, strings.ToLower(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return nil, errInvalidCredentials
	}
	return a.session(u)
}

func (a *Authenticator) session(u *User) (*Session, error) {
	now := a.now()
	claims := Claims{
		Name: u.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  u.Email,
			Issuer:   a.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Session{Token: token, User: UserView{Email: u.Email, Name: u.Name}}, nil
}

// Verify parses a bearer token, checking signature, issuer and expiry.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, errMissingBearer
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, errInvalidToken
	}
	return claims, nil
}

// bearerToken extracts the token from an "Authorization: Bearer <t>" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[len("Bearer "):])
}

type claimsKey struct{}

// ClaimsFromContext returns the verified claims stored by the auth
// middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

func withClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}
