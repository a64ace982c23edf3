package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type AuthMiddleware struct {
	secretKey string
	tokenTTL  time.Duration
	now       func() time.Time
}

// Claims of a clip playback token. Subject is the clip id.
type Claims struct {
	jwt.RegisteredClaims
}

func generateToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}

func NewAuthMiddleware(secretKey string) *AuthMiddleware {
	return &AuthMiddleware{
		secretKey: secretKey,
		tokenTTL:  StreamTokenTTL,
		now:       time.Now,
	}
}

// Check requires the auth token as a bearer header or ?token= query.
// The clip stream route also accepts a playback token for that clip, so a
// video element can load it without custom headers.
func (am *AuthMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}

		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		if am.validSecret(token) {
			next.ServeHTTP(w, r)
			return
		}

		if id, ok := streamClipID(r.URL.Path); ok && am.VerifyClipToken(token, id) == nil {
			next.ServeHTTP(w, r)
			return
		}

		writeError(w, http.StatusUnauthorized, "Invalid token")
	})
}

func (am *AuthMiddleware) validSecret(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(am.secretKey)) == 1
}

// GenerateClipToken signs a short-lived token that only grants playback of
// one clip.
func (am *AuthMiddleware) GenerateClipToken(clipID string) (string, time.Time, error) {
	now := am.now()
	expires := now.Add(am.tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clipID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(am.secretKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return ss, expires, nil
}

// VerifyClipToken checks signature, expiry and that the token was issued
// for clipID.
func (am *AuthMiddleware) VerifyClipToken(tokenString, clipID string) error {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(am.secretKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return errors.New("invalid token")
	}

	if claims.Subject != clipID {
		return fmt.Errorf("token is for %q, not %q", claims.Subject, clipID)
	}

	return nil
}

// streamClipID extracts the id from /api/recordings/{id}/stream.
func streamClipID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/api/recordings/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/stream")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
