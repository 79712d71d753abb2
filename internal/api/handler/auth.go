package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatpair/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "chatpair-service"
	roleAdmin   = "admin"
	claimsKey   = "claims"
)

var errInvalidToken = errors.New("invalid token")

// TokenIssuer signs and checks the HS256 tokens of WebSocket users and operators.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *TokenIssuer) sign(claims jwt.MapClaims) (string, error) {
	now := t.now()
	claims["iss"] = tokenIssuer
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(t.ttl).Unix()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// IssueAnon returns a token carrying an anonymous WebSocket identity.
func (t *TokenIssuer) IssueAnon(anonID string) (string, error) {
	return t.sign(jwt.MapClaims{"anon_id": anonID})
}

// IssueAdmin returns an operator token for the admin endpoints.
func (t *TokenIssuer) IssueAdmin(subject string) (string, error) {
	return t.sign(jwt.MapClaims{"sub": subject, "role": roleAdmin})
}

// Parse validates signature, issuer and expiry.
func (t *TokenIssuer) Parse(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	return claims, nil
}

// AnonID extracts the anonymous id; tokens for anything else are rejected.
func (t *TokenIssuer) AnonID(tokenString string) (string, error) {
	claims, err := t.Parse(tokenString)
	if err != nil {
		return "", err
	}
	anonID, _ := claims["anon_id"].(string)
	if !strings.HasPrefix(anonID, chathub.WSUserPrefix) {
		return "", fmt.Errorf("%w: no anonymous id", errInvalidToken)
	}
	return anonID, nil
}

// bearer reads the token from the Authorization header, or from the token
// query parameter since browsers cannot set headers on a WebSocket handshake.
func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

// GetAnonID creates an anonymous id and returns it with its token.
func (h *Handler) GetAnonID(c *gin.Context) {
	anonID := chathub.WSUserPrefix + uuid.NewString()

	token, err := h.Tokens.IssueAnon(anonID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": anonID})
}

// RequireAdmin lets through requests with a valid operator token.
func (h *Handler) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
			return
		}
		if role, _ := claims["role"].(string); role != roleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin role required"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}
