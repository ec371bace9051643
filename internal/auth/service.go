package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

var ErrAuthDisabled = errors.New("admin auth is not configured")

// Service выдает и проверяет токены debug/admin-поверхности.
// Источник правды — bcrypt-хэш пароля оператора из конфига;
// подпись симметричная (HS256), ключ тоже из конфига.
type Service struct {
	secret       []byte
	passwordHash []byte
	ttl          time.Duration
}

func NewService(secret, passwordHash string, ttl time.Duration) *Service {
	return &Service{
		secret:       []byte(secret),
		passwordHash: []byte(passwordHash),
		ttl:          ttl,
	}
}

// Enabled — поверхность защищена только при полном наборе секретов.
func (s *Service) Enabled() bool {
	return len(s.secret) > 0 && len(s.passwordHash) > 0
}

func (s *Service) GenerateToken(password string) (*domain.TokenResponse, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}

	// Проверка пароля (bcrypt)
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}

	expiresAt := time.Now().Add(s.ttl)
	claims := &domain.AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "telemetry-relay",
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}

// VerifyToken проверяет подпись и срок действия токена.
func (s *Service) VerifyToken(tokenStr string) (*domain.AdminClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, &domain.AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*domain.AdminClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}
