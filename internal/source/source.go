package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rupak1811/permiso/internal/model"
)

// AuthError indicates that the server refused the presented credential.
// It is returned by clients when a 401 response is received.
type AuthError struct {
	Operation string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Operation, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Principal identifies the authenticated user.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Query selects a resource collection.
type Query struct {
	Resource model.ResourceKind
	Page     int
	PageSize int
}

// Collection is one fetched page of a resource collection.
type Collection struct {
	Resource  model.ResourceKind
	Items     []model.Record
	Total     int
	FetchedAt time.Time
}

// Authenticator issues and validates credentials. Logout is purely
// local and has no network contract.
type Authenticator interface {
	// Login exchanges an identifier and secret for an opaque credential.
	Login(ctx context.Context, identifier, secret string) (string, *Principal, error)

	// Validate confirms the credential is still accepted server-side.
	// A rejection is reported as *AuthError; anything else is a
	// transport failure.
	Validate(ctx context.Context, credential string) (*Principal, error)
}

// Fetcher retrieves resource collections. Fetch is idempotent and
// safe to retry.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) (*Collection, error)
}
