// Package jwt authenticates HS256 bearer tokens issued by the auth service.
package jwt

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsKey = "claims"

// Claims carries the authenticated subject, which curator treats as the user id.
type Claims struct {
	jwt.RegisteredClaims
}

var errSigningMethod = errors.New("unexpected signing method")

// Middleware rejects requests without a valid "Authorization: Bearer" token.
func Middleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, isHMAC := t.Method.(*jwt.SigningMethodHMAC); !isHMAC {
				return nil, errSigningMethod
			}
			return key, nil
		}, jwt.WithExpirationRequired())
		if err != nil || !token.Valid || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// GetClaims returns the claims stored by Middleware.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// Subject returns the authenticated subject or "" when unauthenticated.
func Subject(c *gin.Context) string {
	if claims, ok := GetClaims(c); ok {
		return claims.Subject
	}
	return ""
}

// Sign issues a token for subject. Used by the CLI and tests.
func Sign(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
