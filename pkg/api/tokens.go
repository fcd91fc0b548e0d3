package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	joinTokenTTL  = 10 * time.Minute
	sessionTTL    = 12 * time.Hour
	sessionCookie = "dw_session"
)

// joinClaims carry the whole join handshake inside the token, so
// start-join persists nothing; finish-join burns the jti, making the
// token single-use. For attested joins the sealed session private key
// rides along and is only stored once the signature verifies.
type joinClaims struct {
	jwt.RegisteredClaims
	DocID   string `json:"docId"`
	Address string `json:"address"`
	Weight  int    `json:"weight"`
	Mode    string `json:"mode"`
	Nonce   string `json:"nonce"`

	SessionPublicKey string `json:"sessionPublicKey,omitempty"`
	SessionSealed    string `json:"sessionSealed,omitempty"`
	SessionExpiresAt int64  `json:"sessionExpiresAt,omitempty"`
}

// sessionClaims back the short-lived cookie finish-join hands out. A
// session is scoped to one (document, signer) pair.
type sessionClaims struct {
	jwt.RegisteredClaims
	DocID   string `json:"docId"`
	Address string `json:"address"`
}

func (s *Server) signToken(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) parseJoinToken(token string) (*joinClaims, error) {
	claims := &joinClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("parse join token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("join token invalid")
	}
	return claims, nil
}

func (s *Server) parseSessionToken(token string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("session token invalid")
	}
	return claims, nil
}

func (s *Server) keyFunc(*jwt.Token) (any, error) { return s.secret, nil }

// requestSession authenticates a request from the session cookie or a
// Bearer header, cookie first.
func (s *Server) requestSession(r *http.Request) (*sessionClaims, error) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return s.parseSessionToken(c.Value)
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("no session cookie or Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, fmt.Errorf("malformed Authorization header")
	}
	return s.parseSessionToken(parts[1])
}
