package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"physionet.org/internal/auth"
	"physionet.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var (
	errUnauthenticated = errors.New("authentication required")
	errForbidden       = errors.New("not permitted")
)

// withUser resolves an optional bearer token to a user. Requests without a
// token continue as anonymous; a bad token is rejected outright.
func (a *API) withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeader)
		if a.tokens == nil || strings.TrimSpace(header) == "" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, err := extractBearerToken(header)
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.tokens.Parse(token)
		if err != nil {
			unauthorized(w, r, "invalid token")
			return
		}
		user, err := a.users.GetUser(r.Context(), claims.Subject)
		switch {
		case errors.Is(err, auth.ErrNotFound):
			unauthorized(w, r, "unknown user")
			return
		case err != nil:
			obs.Error("resolve user failed", err, map[string]any{"request_id": RequestIDFromContext(r.Context())})
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithUser(r.Context(), user)))
	})
}

// RequireUser rejects anonymous requests.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.UserFromContext(r.Context()).IsAuthenticated() {
			unauthorized(w, r, errUnauthenticated.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin lets only administrators through.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		if !user.IsAuthenticated() {
			unauthorized(w, r, errUnauthenticated.Error())
			return
		}
		if !user.IsAdmin {
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			writeError(w, r, http.StatusForbidden, "administrator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="physionet"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
