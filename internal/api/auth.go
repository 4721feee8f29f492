package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// tokenQueryParam carries the token on WebSocket upgrades, where browsers
// cannot set an Authorization header.
const tokenQueryParam = "token"

var errNoToken = errors.New("missing bearer token")

// requireToken rejects requests without a valid HS256 bearer token signed
// with api.auth.jwt_secret. Tokens must carry an expiry. With no secret
// configured the routes stay open.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.cfg.Auth.JWTSecret
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := bearerToken(r)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			s.logger.Debug("rejected bearer token",
				"path", r.URL.Path,
				"error", err,
				"request_id", r.Context().Value(ctxKeyRequestID),
			)
			writeUnauthorized(w, "invalid token")
			return
		}

		s.logger.Debug("bearer token accepted",
			"path", r.URL.Path,
			"subject", claims.Subject,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter.
func bearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", errors.New("authorization header must be \"Bearer <token>\"")
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return token, nil
	}
	return "", errNoToken
}
