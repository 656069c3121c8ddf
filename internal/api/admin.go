package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

// adminAuthMiddleware guards admin routes with a signed bearer token:
// it verifies a JWT signed with s.adminKey using HMAC. An empty
// adminKey disables the route outright.
func adminAuthMiddleware(s *Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if len(s.adminKey) == 0 {
			writeAPIError(w, http.StatusForbidden, "admin API is disabled (no admin JWT key configured)")
			return
		}

		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if raw == "" {
			writeAPIError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return s.adminKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			writeAPIError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleAdminResync clears the named worker's checkpoint row so the
// supervisor resumes it from the initial sentinel on its next start,
// the operator action required after RollbackHorizonExceeded forces a
// worker offline.
func (s *Server) handleAdminResync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	vars := mux.Vars(r)
	if err := s.resync.Resync(ctx, vars["schema"], vars["workerID"]); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"schema": vars["schema"], "workerID": vars["workerID"], "status": "resync scheduled"})
}
