// Package auth guards the API with static bearer keys.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/memohai/clibridge/internal/chat"
	"github.com/memohai/clibridge/internal/config"
)

// KeyPrefix marks keys generated by GenerateKey.
const KeyPrefix = "sk-bridge-"

// Validator checks bearer keys against plain and bcrypt-hashed entries.
type Validator struct {
	keys   [][]byte
	hashes [][]byte
}

func NewValidator(cfg config.AuthConfig) *Validator {
	v := &Validator{}
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	for _, h := range cfg.APIKeyHashes {
		if h = strings.TrimSpace(h); h != "" {
			v.hashes = append(v.hashes, []byte(h))
		}
	}
	return v
}

// Enabled reports whether any key is configured. Without keys the API is open.
func (v *Validator) Enabled() bool {
	return len(v.keys) > 0 || len(v.hashes) > 0
}

// Valid reports whether key matches a configured credential.
func (v *Validator) Valid(key string) bool {
	if key == "" {
		return false
	}
	candidate := []byte(key)
	for _, k := range v.keys {
		if subtle.ConstantTimeCompare(k, candidate) == 1 {
			return true
		}
	}
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, candidate) == nil {
			return true
		}
	}
	return false
}

// KeyAuthMiddleware rejects requests without a valid bearer key. It is a no-op
// when no key is configured.
func KeyAuthMiddleware(v *Validator, skipper middleware.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = middleware.DefaultSkipper
	}
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper: func(c echo.Context) bool {
			return !v.Enabled() || skipper(c)
		},
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			return v.Valid(key), nil
		},
		ErrorHandler: func(_ error, c echo.Context) error {
			return c.JSON(http.StatusUnauthorized, InvalidKeyBody())
		},
	})
}

// InvalidKeyBody is the body returned for a missing or wrong key.
func InvalidKeyBody() chat.ErrorBody {
	body := chat.NewError("Invalid API key", "invalid_api_key", "")
	code := "invalid_api_key"
	body.Error.Code = &code
	return body
}

// GenerateKey returns a new random key and its bcrypt hash.
func GenerateKey() (key, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	key = KeyPrefix + hex.EncodeToString(buf)
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash key: %w", err)
	}
	return key, string(hashed), nil
}
