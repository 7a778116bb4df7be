package token

import "context"

// Validator is implemented by JWTValidator (D) and TokenIntrospector (E).
// TokenManager (F) treats both uniformly through this port.
type Validator interface {
	// Validate verifies tokenString and, on success, returns a Result with
	// Valid=true and an assembled Principal. On failure it returns a
	// Result with Valid=false and Err set to one of this package's
	// sentinel errors.
	Validate(ctx context.Context, tokenString string) (Result, error)
}
