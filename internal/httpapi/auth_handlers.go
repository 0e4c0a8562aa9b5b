package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// relayClaims is the JWT payload issued to relay clients. There is no user
// model here: a token just proves the caller knows the client API key.
type relayClaims struct {
	jwt.RegisteredClaims
}

// withAuth requires a valid bearer token on the wrapped handler. When no JWT
// secret is configured the relay runs open, matching the original deployment
// where the extension talked to a local proxy.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	if r.cfg.JWTSecret == "" {
		return next
	}

	return func(w http.ResponseWriter, req *http.Request) {
		authHeader := req.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &relayClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(r.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, req)
	}
}

// handleToken exchanges the static client API key for a short-lived JWT.
func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	if r.cfg.JWTSecret == "" || r.cfg.ClientAPIKey == "" {
		writeError(w, http.StatusServiceUnavailable, "token auth not configured")
		return
	}

	var body struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(body.APIKey), []byte(r.cfg.ClientAPIKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	expiresAt := time.Now().Add(r.cfg.JWTExpiry)
	claims := relayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "relay-client",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(r.cfg.JWTSecret))
	if err != nil {
		r.logger.Printf("auth: failed to sign token: %v", err)
		captureError(req, err, "auth: token signing failed")
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     signed,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}
