package domain

import "github.com/golang-jwt/jwt/v5"

// AdminClaims — claims токена для debug/admin-поверхности.
type AdminClaims struct {
	Role string `json:"role"` // всегда "admin"
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
