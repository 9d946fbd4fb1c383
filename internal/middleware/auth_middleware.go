package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ContextUserID is the echo context key holding the bearer subject.
const ContextUserID = "user_id"

const tokenAudience = "inbox-router"

var errInvalidToken = errors.New("invalid bearer token")

// IssueToken signs a bearer credential for userID. The dashboard gets these
// from the session provider; the CLI and tests mint their own.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates a bearer credential and returns its subject.
func ParseToken(secret []byte, raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(tokenAudience))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

// OptionalAuth reads a bearer credential from the Authorization header or the
// access_token query parameter. A missing credential passes through; a
// malformed or expired one is rejected.
func OptionalAuth(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if header == "" {
				// EventSource cannot set headers.
				raw, ok = c.QueryParam("access_token"), true
				if raw == "" {
					return next(c)
				}
			}
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Unauthorized",
				})
			}
			userID, err := ParseToken(secret, strings.TrimSpace(raw))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Unauthorized",
				})
			}
			c.Set(ContextUserID, userID)
			return next(c)
		}
	}
}

// AuthMiddleware rejects requests that carry no valid bearer credential. It
// must run after OptionalAuth.
func AuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if BearerUser(c) == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Unauthorized",
				})
			}
			return next(c)
		}
	}
}

// BearerUser returns the authenticated user id, or "" when the request had no
// bearer credential.
func BearerUser(c echo.Context) string {
	userID, _ := c.Get(ContextUserID).(string)
	return userID
}
