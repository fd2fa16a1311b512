package domain

import "github.com/golang-jwt/jwt/v5"

// Права консоли.
const (
	ScopeRunsWrite = "runs.write"
	ScopeVerify    = "receipts.verify"
	ScopeAdmin     = "admin"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true или "runs.write": true
	jwt.RegisteredClaims
}

// Allows — есть ли у токена право scope (admin разрешает все).
func (c *CustomClaims) Allows(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}
