package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const ctxAdminClaims = "axial.admin_claims"

// AdminClaims are the JWT claims of an admin API token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenIssuer signs and verifies HS256 admin tokens keyed by the admin secret.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer returns an issuer for secret. ttl defaults to one hour.
func NewTokenIssuer(secret, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("admin secret must be at least 16 bytes")
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// IssueAdminToken returns a signed admin token valid for the issuer's TTL.
func (t *TokenIssuer) IssueAdminToken() (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Role: "admin",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenStr and returns its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&AdminClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid admin token claims")
	}
	return claims, nil
}

// CheckSecret reports whether s equals the admin secret, in constant time.
func (t *TokenIssuer) CheckSecret(s string) bool {
	return subtle.ConstantTimeCompare([]byte(s), t.secret) == 1
}

// RequireAdmin rejects requests without a valid admin Bearer token. A nil
// issuer means no admin secret is configured, and every admin route answers
// 503.
func RequireAdmin(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "admin API disabled: no admin secret configured",
			})
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "admin Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}
		if claims.Role != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin role required",
			})
			return
		}

		c.Set(ctxAdminClaims, claims)
		c.Next()
	}
}

// AuthHandler exchanges the admin secret for a short-lived token.
type AuthHandler struct {
	tokens *TokenIssuer
}

// Register mounts POST /auth/token.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/token", h.IssueToken)
}

type tokenRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// IssueToken handles POST /auth/token.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	if h.tokens == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin API disabled: no admin secret configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.tokens.CheckSecret(req.Secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
		return
	}
	tok, err := h.tokens.IssueAdminToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      tok,
		"token_type": "Bearer",
		"expires_in": int(h.tokens.ttl.Seconds()),
	})
}
