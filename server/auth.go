package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const ContextSubjectKey = "subject"

type Claims struct {
	jwt.RegisteredClaims
	Scopes string `json:"scope,omitempty"`
}

// NewJWKSKeyfunc fetches the signing keys behind jwksURL and keeps them
// refreshed in the background. Call EndBackground on the returned JWKS at shutdown.
func NewJWKSKeyfunc(jwksURL string, log zerolog.Logger) (*keyfunc.JWKS, error) {
	options := keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			log.Error().Err(err).Msg("jwks refresh failed")
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	}
	jwks, err := keyfunc.Get(jwksURL, options)
	if err != nil {
		return nil, fmt.Errorf("load jwks from %s: %w", jwksURL, err)
	}
	return jwks, nil
}

// AuthMiddleware rejects requests without a valid bearer token. /health stays open.
func AuthMiddleware(keyFunc jwt.Keyfunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header is required"})
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		var claims Claims
		token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextSubjectKey, claims.Subject)
		c.Next()
	}
}
