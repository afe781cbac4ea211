package config

import (
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// Node API permissions, from least to most privileged. Each one implies
// the ones before it.
const (
	PermRead  = "read"
	PermWrite = "write"
	PermSign  = "sign"
	PermAdmin = "admin"
)

var ErrInvalidToken = fmt.Errorf("invalid api token")

// apiClaims is the payload of a token minted by the node.
type apiClaims struct {
	Allow []string `json:"Allow"`
	jwt.RegisteredClaims
}

// TokenPermissions returns the permissions granted by a node API token.
// The signature is not verified here; the node checks it on every call.
func TokenPermissions(token string) ([]string, error) {
	var claims apiClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims.Allow, nil
}

// HasPermission reports whether perms grants need.
func HasPermission(perms []string, need string) bool {
	if slices.Contains(perms, need) {
		return true
	}
	// Older tokens list only the highest permission.
	order := []string{PermRead, PermWrite, PermSign, PermAdmin}
	needIdx := slices.Index(order, need)
	if needIdx < 0 {
		return false
	}
	for _, p := range perms {
		if slices.Index(order, p) > needIdx {
			return true
		}
	}
	return false
}
