// Package auth guards the admin surface with a single operator credential
// and short-lived bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong username or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrNotConfigured means the admin surface was started without a
	// credential, so every login must fail.
	ErrNotConfigured = errors.New("auth: admin credential not configured")
)

// tokenTTL bounds how long an issued admin token is accepted.
const tokenTTL = 24 * time.Hour

// Service authenticates the admin operator. The credential is supplied via
// configuration as a bcrypt hash; there is no user store.
type Service struct {
	username     string
	passwordHash []byte
	tokenSecret  []byte
}

func NewService(username, passwordHash, tokenSecret string) *Service {
	return &Service{
		username:     username,
		passwordHash: []byte(passwordHash),
		tokenSecret:  []byte(tokenSecret),
	}
}

// Login checks the credential and returns a signed bearer token.
func (s *Service) Login(username, password string) (string, error) {
	if len(s.passwordHash) == 0 || len(s.tokenSecret) == 0 {
		return "", ErrNotConfigured
	}
	if username != s.username {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": s.username,
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.tokenSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// VerifyToken validates a bearer token and returns the operator it was
// issued to.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	if len(s.tokenSecret) == 0 {
		return "", ErrNotConfigured
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.tokenSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub != s.username {
		return "", fmt.Errorf("auth: invalid subject in token")
	}
	return sub, nil
}

// HashPassword produces the bcrypt hash to store in configuration. Exposed
// for the credential bootstrap tooling.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}
