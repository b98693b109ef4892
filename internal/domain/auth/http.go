package auth

import (
	"context"
	"net/http"

	"worktally/internal/core/apperror"
)

// RequestAuthenticator authenticates a plain net/http request.
type RequestAuthenticator interface {
	AuthenticateRequest(ctx context.Context, r *http.Request) (*Principal, error)
}

// OperatorOnly admits requests carrying a central administrator token.
// Tenant tokens are refused even when their user is a tenant admin.
func OperatorOnly(a RequestAuthenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.AuthenticateRequest(r.Context(), r)
		if err != nil {
			status := apperror.GetHTTPStatus(err)
			http.Error(w, http.StatusText(status), status)
			return
		}
		if p.Tenant != nil || !p.User.IsAdmin {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
