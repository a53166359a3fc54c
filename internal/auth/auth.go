// Package auth provides minimal shared-token authentication helpers.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	// ErrMissingToken means no usable credential was presented.
	ErrMissingToken = errors.New("auth: missing or malformed token")
	// ErrUnauthorized means a credential was presented and rejected.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a validator for a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if token == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// Open accepts every token. It is used when no shared token is configured.
type Open struct{}

func (Open) Validate(string) error {
	return nil
}

// ForToken returns StaticToken for a configured token and Open otherwise.
func ForToken(token string) Validator {
	token = strings.TrimSpace(token)
	if token == "" {
		return Open{}
	}
	return StaticToken{Token: token}
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// CheckHeader validates an Authorization header. With an Open validator the
// header is not inspected at all.
func CheckHeader(v Validator, header string) error {
	if _, open := v.(Open); open {
		return nil
	}
	token, err := BearerToken(header)
	if err != nil {
		return err
	}
	return v.Validate(token)
}
