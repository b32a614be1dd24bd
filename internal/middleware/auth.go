package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// ContextKeyOwner holds the authenticated order owner (the token subject).
	ContextKeyOwner = "owner"
	// ContextKeyUserClaims holds the parsed *JWTClaims.
	ContextKeyUserClaims = "user_claims"
)

// JWTClaims are the claims accepted on order entry. The subject names the
// order owner.
type JWTClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	SecretKey      string
	ExpiryDuration time.Duration
	Issuer         string
	Audience       string
	TokenHeader    string
	TokenPrefix    string
}

func DefaultAuthConfig(secret string) *AuthConfig {
	return &AuthConfig{
		SecretKey:      secret,
		ExpiryDuration: 24 * time.Hour,
		Issuer:         "haos-matching",
		Audience:       "haos-matching-api",
		TokenHeader:    "Authorization",
		TokenPrefix:    "Bearer ",
	}
}

// AuthMiddleware validates HS256 bearer tokens and stores the subject as the
// request's owner.
type AuthMiddleware struct {
	config *AuthConfig
}

func NewAuthMiddleware(config *AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{config: config}
}

func (a *AuthMiddleware) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(a.config.TokenHeader)
		if authHeader == "" {
			abortUnauthorized(c, "missing authorization header", "AUTH_MISSING_HEADER")
			return
		}

		if !strings.HasPrefix(authHeader, a.config.TokenPrefix) {
			abortUnauthorized(c, "invalid authorization header format", "AUTH_INVALID_FORMAT")
			return
		}

		claims, err := a.validateToken(strings.TrimPrefix(authHeader, a.config.TokenPrefix))
		if err != nil {
			abortUnauthorized(c, err.Error(), "AUTH_INVALID_TOKEN")
			return
		}

		c.Set(ContextKeyOwner, claims.Subject)
		c.Set(ContextKeyUserClaims, claims)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message, code string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
		"code":    code,
	})
}

func (a *AuthMiddleware) validateToken(tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}
	if a.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.config.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(a.config.SecretKey), nil
	}, opts...)
	if err != nil {
		return nil, errors.New("invalid or expired token")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// GenerateToken issues a token for owner.
func (a *AuthMiddleware) GenerateToken(owner, role string) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.ExpiryDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.config.Issuer,
			Audience:  jwt.ClaimStrings{a.config.Audience},
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.SecretKey))
}

// GetOwner returns the authenticated owner, if any.
func GetOwner(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyOwner)
	if !exists {
		return "", false
	}
	owner, ok := v.(string)
	return owner, ok
}

func GetUserClaims(c *gin.Context) (*JWTClaims, bool) {
	claims, exists := c.Get(ContextKeyUserClaims)
	if !exists {
		return nil, false
	}
	jwtClaims, ok := claims.(*JWTClaims)
	return jwtClaims, ok
}
