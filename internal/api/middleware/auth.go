package middleware

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/orrn/printmux/internal/db"
	"golang.org/x/crypto/bcrypt"
)

const (
	settingsKeyAPIKeyHash = "api_key_hash"
	settingsKeyJWTSecret  = "jwt_secret"

	defaultTokenTTL = 24 * time.Hour
	tokenIssuer     = "printmux"
)

var ErrInvalidAPIKey = errors.New("invalid API key")

// SettingsStore is the key/value storage the API key and token secret live in.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (*db.Setting, error)
	SetSetting(ctx context.Context, key, value string) error
}

type Claims struct {
	jwt.RegisteredClaims
}

// Auth guards the API with a single shared key. The key is stored only as a
// bcrypt hash; clients either send it on every request or exchange it once for
// a bearer token.
type Auth struct {
	settings SettingsStore
	ttl      time.Duration

	mu       sync.RWMutex
	hash     []byte
	secret   []byte
	verified [sha256.Size]byte
	hasValid bool
}

// NewAuth loads the stored key hash and token secret, creating them on first
// start. When no key was stored yet, bootstrapKey is used, or a random key is
// generated; that plaintext key is returned so the caller can show it once.
func NewAuth(ctx context.Context, settings SettingsStore, bootstrapKey string, ttl time.Duration) (*Auth, string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	a := &Auth{settings: settings, ttl: ttl}

	secret, err := a.getOrCreateSecret(ctx)
	if err != nil {
		return nil, "", err
	}
	a.secret = secret

	created := ""
	setting, err := settings.GetSetting(ctx, settingsKeyAPIKeyHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		key := bootstrapKey
		if key == "" {
			key = GenerateAPIKey()
		}
		if err := a.storeKey(ctx, key); err != nil {
			return nil, "", err
		}
		created = key
	case err != nil:
		return nil, "", fmt.Errorf("failed to load api key: %w", err)
	default:
		a.hash = []byte(setting.Value)
	}

	return a, created, nil
}

func (a *Auth) getOrCreateSecret(ctx context.Context) ([]byte, error) {
	setting, err := a.settings.GetSetting(ctx, settingsKeyJWTSecret)
	if err == nil {
		return hex.DecodeString(setting.Value)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load token secret: %w", err)
	}
	return a.newSecret(ctx)
}

func (a *Auth) newSecret(ctx context.Context) ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	if err := a.settings.SetSetting(ctx, settingsKeyJWTSecret, hex.EncodeToString(secret)); err != nil {
		return nil, err
	}
	return secret, nil
}

func (a *Auth) storeKey(ctx context.Context, key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash api key: %w", err)
	}
	if err := a.settings.SetSetting(ctx, settingsKeyAPIKeyHash, string(hash)); err != nil {
		return err
	}
	a.mu.Lock()
	a.hash = hash
	a.hasValid = false
	a.mu.Unlock()
	return nil
}

// GenerateAPIKey returns a random URL safe key.
func GenerateAPIKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// CheckKey reports whether key is the current API key. The last accepted key
// is remembered by digest so repeated requests skip bcrypt.
func (a *Auth) CheckKey(key string) bool {
	if key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))

	a.mu.RLock()
	if a.hasValid && a.verified == digest {
		a.mu.RUnlock()
		return true
	}
	hash := a.hash
	a.mu.RUnlock()

	if bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
		return false
	}

	a.mu.Lock()
	if string(a.hash) == string(hash) {
		a.verified = digest
		a.hasValid = true
	}
	a.mu.Unlock()
	return true
}

// Rotate replaces the API key and the token secret, invalidating every issued
// token. The new key is returned once and never stored in plain text.
func (a *Auth) Rotate(ctx context.Context) (string, error) {
	key := GenerateAPIKey()
	if err := a.storeKey(ctx, key); err != nil {
		return "", err
	}
	secret, err := a.newSecret(ctx)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.secret = secret
	a.mu.Unlock()
	return key, nil
}

// IssueToken signs a bearer token for a caller that presented a valid key.
func (a *Auth) IssueToken() (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    tokenIssuer,
		},
	}

	a.mu.RLock()
	secret := a.secret
	a.mu.RUnlock()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

func (a *Auth) validateToken(tokenString string) (*Claims, error) {
	a.mu.RLock()
	secret := a.secret
	a.mu.RUnlock()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// providedKey returns the key from the X-Api-Key header or the api_key and
// apikey query parameters, in that order.
func providedKey(c *gin.Context) string {
	if key := c.GetHeader("X-Api-Key"); key != "" {
		return key
	}
	if key := c.Query("api_key"); key != "" {
		return key
	}
	return c.Query("apikey")
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
	})
}

// RequireAuth accepts either the API key or a bearer token issued for it.
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := providedKey(c); key != "" {
			if !a.CheckKey(key) {
				unauthorized(c, "Invalid API key")
				return
			}
			c.Set("authenticated", true)
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			unauthorized(c, "Authentication required")
			return
		}
		claims, err := a.validateToken(token)
		if err != nil {
			unauthorized(c, "Invalid or expired token")
			return
		}

		c.Set("authenticated", true)
		c.Set("claims", claims)
		c.Next()
	}
}

// OptionalAPIKey lets anonymous requests through but rejects a wrong key.
// Slicers that speak the Moonraker protocol often send no key at all.
func (a *Auth) OptionalAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := providedKey(c)
		if key == "" {
			c.Set("authenticated", false)
			c.Next()
			return
		}
		if !a.CheckKey(key) {
			unauthorized(c, "Invalid API key")
			return
		}
		c.Set("authenticated", true)
		c.Next()
	}
}

type TokenRequest struct {
	APIKey string `json:"api_key"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenHandler exchanges the API key, from the body or the usual places, for
// a bearer token.
func (a *Auth) TokenHandler(c *gin.Context) {
	var req TokenRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
	}
	key := req.APIKey
	if key == "" {
		key = providedKey(c)
	}
	if !a.CheckKey(key) {
		unauthorized(c, ErrInvalidAPIKey.Error())
		return
	}

	token, expires, err := a.IssueToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_error", "message": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token, TokenType: "Bearer", ExpiresAt: expires})
}
