package relaykit

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Guard is an authorization predicate gating handler execution. A false
// return or an error silently skips the handler; no protocol-level
// rejection reaches the caller.
type Guard func(*EventContext) (bool, error)

// CanActivator is the reusable-object form of a guard.
type CanActivator interface {
	CanActivate(*EventContext) (bool, error)
}

// NormalizeGuard converts any supported guard shape into a Guard, once, at
// registration time. The dispatch path never branches on guard kind.
// Supported shapes: Guard, func(*EventContext) (bool, error),
// func(*EventContext) bool, and CanActivator values. Anything else yields a
// guard that always denies with an error.
func NormalizeGuard(v interface{}) Guard {
	switch g := v.(type) {
	case Guard:
		return g
	case func(*EventContext) (bool, error):
		return g
	case func(*EventContext) bool:
		return func(ctx *EventContext) (bool, error) {
			return g(ctx), nil
		}
	case CanActivator:
		return g.CanActivate
	default:
		return func(*EventContext) (bool, error) {
			return false, fmt.Errorf("unsupported guard type %T", v)
		}
	}
}

// AllOf succeeds only if every child guard succeeds, evaluated in order,
// stopping at the first failure.
func AllOf(guards ...Guard) Guard {
	return func(ctx *EventContext) (bool, error) {
		for _, g := range guards {
			ok, err := g(ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
}

// AnyOf succeeds if any child guard succeeds, evaluated in order, stopping
// at the first success.
func AnyOf(guards ...Guard) Guard {
	return func(ctx *EventContext) (bool, error) {
		var lastErr error
		for _, g := range guards {
			ok, err := g(ctx)
			if err != nil {
				lastErr = err
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, lastErr
	}
}

// JWTGuard returns a guard that validates the connection's bearer token as
// an HS256 JWT. On success the token claims become the connection's
// authentication payload.
func JWTGuard(secret []byte) Guard {
	return func(ctx *EventContext) (bool, error) {
		token := ctx.Socket.Token()
		if token == "" {
			return false, nil
		}

		parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return false, fmt.Errorf("invalid token: %w", err)
		}

		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return false, nil
		}
		ctx.Socket.SetAuth(map[string]interface{}(claims))
		return true, nil
	}
}
