package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowchain/native/common"
	"escrowchain/native/escrow"
)

const adminScope = "escrow:admin"

// AdminAuth validates HMAC-signed bearer tokens carrying the admin scope.
type AdminAuth struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewAdminAuth returns nil when secret is empty; admin routes are then not
// mounted at all.
func NewAdminAuth(secret, issuer, audience string) *AdminAuth {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &AdminAuth{secret: []byte(secret), issuer: issuer, audience: audience, leeway: 2 * time.Minute}
}

func (a *AdminAuth) parse(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func hasScope(claims jwt.MapClaims, want string) bool {
	switch v := claims["scope"].(type) {
	case string:
		for _, scope := range strings.Fields(v) {
			if scope == want {
				return true
			}
		}
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Middleware requires a valid admin token.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := a.parse(tokenString)
		if err != nil {
			slog.Warn("admin token rejected", "error", err)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if !hasScope(claims, adminScope) {
			writeJSONError(w, http.StatusForbidden, "forbidden", "insufficient scope")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type pauseResponse struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func pauseHandler(pauses *common.Pauses, paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pauses.Set(escrow.ModuleName, paused)
		slog.Info("escrow module pause toggled", "paused", paused, "request_id", requestIDFrom(r.Context()))
		writeJSON(w, http.StatusOK, pauseResponse{Module: escrow.ModuleName, Paused: paused})
	}
}
