package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("auth: no session token")

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed token for userID. The client never holds
// the server key; this exists for local tooling and tests.
func GenerateToken(key []byte, userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// ParseClaims decodes the claims of tokenString without checking the
// signature. Expiry is checked by the caller.
func ParseClaims(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Session is the bearer credential of the signed-in user. It is shared by
// the REST client and the presence controller.
type Session struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

func NewSession(token string) *Session {
	return &Session{token: token, now: time.Now}
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Session) Clear() {
	s.Set("")
}

// Valid reports whether a token is present, well formed and unexpired.
func (s *Session) Valid() bool {
	claims, err := ParseClaims(s.Token())
	if err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return s.now().Before(claims.ExpiresAt.Time)
}

// UserID returns the subject of the current token.
func (s *Session) UserID() (string, error) {
	claims, err := ParseClaims(s.Token())
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
