package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the session token payload.
type Claims struct {
	Wallet   string `json:"wallet"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HMAC-signed session tokens against the shared
// secret.
type TokenVerifier struct {
	secretKey []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secretKey: []byte(secret)}
}

// Verify validates the token signature and expiry and returns the claims.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Sign issues a token for the given identity. The server never issues
// tokens in production; this exists for tests and local tooling.
func (v *TokenVerifier) Sign(wallet, userID, nickname string, role Role, ttl time.Duration) (string, error) {
	claims := &Claims{
		Wallet:   wallet,
		UserID:   userID,
		Nickname: nickname,
		Role:     string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   wallet,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// TokenFromRequest extracts the session token from an upgrade request.
// Order: Sec-WebSocket-Protocol header first, then the `token` query
// parameter. Returns empty string when neither is present.
func TokenFromRequest(r *http.Request) string {
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		// Browsers can only smuggle the token through the subprotocol
		// list; take the first entry.
		if tok, _, _ := strings.Cut(proto, ","); tok != "" {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}
