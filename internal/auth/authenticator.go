// Package auth gates websocket connections on a bearer JWT. Verification
// happens exactly once, at connect time; every failure mode folds to an
// anonymous outcome so the client never learns why a token was rejected.
package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/csec/ragchat/backend/internal/model/account"
)

// Authenticator resolves connection-establishment metadata to an account.
type Authenticator struct {
	secret   []byte
	accounts account.Store
}

// New builds an Authenticator over the shared HS256 secret and the account
// registry used to resolve subject claims.
func New(secret string, accounts account.Store) *Authenticator {
	return &Authenticator{secret: []byte(secret), accounts: accounts}
}

// Identify extracts and verifies the bearer credential of a connection
// request. The second result is false for any anonymous outcome: missing
// token, decode failure, algorithm or signature mismatch, missing subject,
// or a subject that maps to no existing account.
func (a *Authenticator) Identify(r *http.Request) (account.Account, bool) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return account.Account{}, false
	}

	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return account.Account{}, false
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return account.Account{}, false
	}

	return a.accounts.FindByID(subject)
}

// TokenFromRequest pulls the bearer token from the "token" query parameter,
// falling back to the Authorization header. The query parameter wins so
// browser websocket clients, which cannot set headers, stay supported.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
