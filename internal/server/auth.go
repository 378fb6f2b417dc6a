package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"telecare-rtc/internal/domain"
)

// Claims is the token payload a client presents when connecting
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"` // doctor, patient
	jwt.RegisteredClaims
}

// TokenManager signs and verifies access tokens
type TokenManager struct {
	secretKey string
	tokenTTL  time.Duration
}

// NewTokenManager creates a token manager with the given signing secret
func NewTokenManager(secretKey string, tokenTTL time.Duration) *TokenManager {
	return &TokenManager{secretKey: secretKey, tokenTTL: tokenTTL}
}

// Generate creates a signed access token for the given user
func (m *TokenManager) Generate(user domain.User) (string, error) {
	claims := &Claims{
		Name: user.Name,
		Role: string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "telecare-signaling",
			Subject:   user.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns the user it identifies
func (m *TokenManager) Verify(tokenString string) (domain.User, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return domain.User{}, fmt.Errorf("invalid token claims")
	}

	return domain.User{
		ID:   claims.Subject,
		Name: claims.Name,
		Role: domain.Role(claims.Role),
	}, nil
}

const contextUserKey = "auth_user"

// AuthMiddleware verifies the bearer token and stores the authenticated user
// on the request context. Tokens are accepted from the Authorization header
// or, for WebSocket clients that cannot set headers, a token query parameter.
func AuthMiddleware(tm *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenString = strings.TrimPrefix(h, "Bearer ")
		} else if q := c.Query("token"); q != "" {
			tokenString = q
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		user, err := tm.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(contextUserKey, user)
		c.Next()
	}
}

// userFromContext retrieves the authenticated user set by AuthMiddleware
func userFromContext(c *gin.Context) (domain.User, bool) {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return domain.User{}, false
	}
	user, ok := v.(domain.User)
	return user, ok
}
