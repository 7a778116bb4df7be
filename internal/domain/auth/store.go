package auth

import (
	"context"
	"errors"
	"time"
)

// ErrUserNotFound is returned when a principal record does not exist.
var ErrUserNotFound = errors.New("user not found")

// UserStore provides administrative CRUD over locally managed principals,
// backing IntegrationFacade's createUser/getUser wrappers. Identity
// provider accounts are managed through the IdP admin API (see
// internal/adapter/outbound/idp), not through this store.
type UserStore interface {
	ListUsers(ctx context.Context) ([]Record, error)
	GetUser(ctx context.Context, id string) (*Record, error)
	CreateUser(ctx context.Context, user *Record) error
	UpdateUser(ctx context.Context, user *Record) error
	DeleteUser(ctx context.Context, id string) error
}

// Record is the persisted shape of a locally managed principal, extending
// the request-scoped Principal with administrative bookkeeping fields.
type Record struct {
	Principal
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
