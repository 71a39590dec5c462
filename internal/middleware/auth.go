package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/openmux/shellmux/internal/logger"
	"github.com/openmux/shellmux/internal/models"
)

// Claims is the signed token payload.
type Claims struct {
	UserID    string `json:"userId"`
	Source    string `json:"source"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// AuthMiddleware validates HMAC-SHA256 signed tokens. It implements
// models.TokenValidator so the session servers can use the same
// validation on their handshakes. A nil *AuthMiddleware disables auth
// entirely; all methods tolerate the nil receiver.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware builds the middleware, or nil when secret is empty.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	if secret == "" {
		return nil
	}
	return &AuthMiddleware{secret: []byte(secret)}
}

// RequireAuth guards REST routes. Requests carry the token in the
// Authorization header, a cookie, or the query string.
func (am *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	if am == nil {
		return c.Next()
	}
	if c.Path() == "/health" {
		return c.Next()
	}

	token := am.extractToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	identity, err := am.ValidateToken(token)
	if err != nil || identity == nil {
		logger.Debugf("auth failed: %v", err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid or expired token",
		})
	}

	c.Locals("identity", identity)
	return c.Next()
}

func (am *AuthMiddleware) extractToken(c *fiber.Ctx) string {
	if header := c.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	if cookie := c.Cookies("shellmux_token"); cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// ValidateToken checks the token's signature and expiry and returns the
// embedded identity.
func (am *AuthMiddleware) ValidateToken(token string) (*models.Identity, error) {
	if am == nil {
		return &models.Identity{}, nil
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid token format")
	}

	if _, err := base64.RawURLEncoding.DecodeString(parts[0]); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}

	signatureInput := parts[0] + "." + parts[1]
	h := hmac.New(sha256.New, am.secret)
	h.Write([]byte(signatureInput))
	expected := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, fmt.Errorf("invalid signature")
	}

	return &models.Identity{UserID: claims.UserID, Source: claims.Source}, nil
}

// GenerateToken mints a signed token for the given user.
func GenerateToken(secret, userID, source string, duration time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("auth secret not configured")
	}

	now := time.Now()
	claims := Claims{
		UserID:    userID,
		Source:    source,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(duration).Unix(),
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	headerEncoded := base64.RawURLEncoding.EncodeToString(headerJSON)
	claimsEncoded := base64.RawURLEncoding.EncodeToString(claimsJSON)

	signatureInput := headerEncoded + "." + claimsEncoded
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(signatureInput))
	signature := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	return headerEncoded + "." + claimsEncoded + "." + signature, nil
}
