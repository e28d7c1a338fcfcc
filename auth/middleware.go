package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/web"
)

type claimsKey struct{}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext returns the claims RequireAuth stored for the request.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter, which is all a browser websocket can send.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func RequireAuth(tokens *Tokens) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := tokens.Verify(TokenFromRequest(r))
			if err != nil {
				web.RespondErr(w, &errs.Error{Message: "Not authorized, token failed", Err: err})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
