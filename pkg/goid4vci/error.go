package goid4vci

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTrustVerification     = errors.New("trust chain verification failed")
	ErrTrustMarkVerification = errors.New("trust mark verification failed")
	ErrNoQualifiedIssuer     = errors.New("no qualified credential issuer")
	ErrUnknownIssuer         = errors.New("unknown issuer")
	ErrStateMismatch         = errors.New("state mismatch")
	ErrFlowNotFound          = errors.New("flow state not found")
	ErrNetwork               = errors.New("network error")
	ErrAuthorizationDenied   = errors.New("authorization denied")
	ErrTokenExchange         = errors.New("token exchange failed")
	ErrCredentialRequest     = errors.New("credential request failed")
)

func (c ErrorCode) StatusCode() int {
	switch c {
	case ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// AuthorizationError is the error response an issuer sent to the redirect
// URI instead of an authorization code.
type AuthorizationError struct {
	Code        ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`
	State       string    `json:"state,omitempty"`
	URI         string    `json:"error_uri,omitempty"`
}

func (err AuthorizationError) Error() string {
	return fmt.Sprintf("authorization denied: %s %s", err.Code, err.Description)
}

func (err AuthorizationError) Is(target error) bool {
	return target == ErrAuthorizationDenied
}

// TokenExchangeError carries the issuer's token endpoint error payload.
// Body holds the response exactly as received.
type TokenExchangeError struct {
	StatusCode  int       `json:"-"`
	Code        ErrorCode `json:"error,omitempty"`
	Description string    `json:"error_description,omitempty"`
	Body        []byte    `json:"-"`
	wrapped     error
}

func NewTokenExchangeError(code ErrorCode, desc string) TokenExchangeError {
	return TokenExchangeError{
		StatusCode:  code.StatusCode(),
		Code:        code,
		Description: desc,
	}
}

func WrapTokenExchangeError(err error) TokenExchangeError {
	return TokenExchangeError{
		wrapped: err,
	}
}

func (err TokenExchangeError) Error() string {
	if err.wrapped != nil {
		return fmt.Sprintf("token exchange failed: %v", err.wrapped)
	}
	return fmt.Sprintf("token exchange failed: %d %s %s", err.StatusCode, err.Code, err.Description)
}

func (err TokenExchangeError) Is(target error) bool {
	return target == ErrTokenExchange
}

func (err TokenExchangeError) Unwrap() error {
	return err.wrapped
}

// CredentialRequestError carries a transport failure or the issuer's
// credential endpoint rejection.
type CredentialRequestError struct {
	StatusCode  int       `json:"-"`
	Code        ErrorCode `json:"error,omitempty"`
	Description string    `json:"error_description,omitempty"`
	Body        []byte    `json:"-"`
	wrapped     error
}

func NewCredentialRequestError(code ErrorCode, desc string) CredentialRequestError {
	return CredentialRequestError{
		StatusCode:  code.StatusCode(),
		Code:        code,
		Description: desc,
	}
}

func WrapCredentialRequestError(err error) CredentialRequestError {
	return CredentialRequestError{
		wrapped: err,
	}
}

func (err CredentialRequestError) Error() string {
	if err.wrapped != nil {
		return fmt.Sprintf("credential request failed: %v", err.wrapped)
	}
	return fmt.Sprintf("credential request failed: %d %s %s", err.StatusCode, err.Code, err.Description)
}

func (err CredentialRequestError) Is(target error) bool {
	return target == ErrCredentialRequest
}

func (err CredentialRequestError) Unwrap() error {
	return err.wrapped
}
