package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/httputil"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/logger"
)

// Identity headers. X-User-ID is injected by the API gateway after token
// validation; X-Session-Key and X-Client-ID come from the storefront.
const (
	HeaderUserID     = "X-User-ID"
	HeaderSessionKey = "X-Session-Key"
	HeaderClientID   = "X-Client-ID"
)

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey string

const identityKey contextKey = "identity"

// IdentityFromHeaders stores the caller's identity in the request context.
// A request with neither a user ID nor a session key is rejected with 401.
func IdentityFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := domain.Identity{
			UserID:     strings.TrimSpace(r.Header.Get(HeaderUserID)),
			SessionKey: strings.TrimSpace(r.Header.Get(HeaderSessionKey)),
			ClientID:   strings.TrimSpace(r.Header.Get(HeaderClientID)),
		}
		if identity.UserID == "" && identity.SessionKey == "" {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.Response{
				Error: &httputil.ErrorResponse{Code: "UNAUTHORIZED", Message: "a user id or session key is required"},
			})
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityFromContext returns the identity stored by IdentityFromHeaders.
func identityFromContext(ctx context.Context) domain.Identity {
	identity, _ := ctx.Value(identityKey).(domain.Identity)
	return identity
}

// withCart tags the request-scoped logger with the cart being operated on.
func withCart(r *http.Request, cartID string) *http.Request {
	ctx := logger.WithCartID(r.Context(), cartID)
	ctx = logger.NewContext(ctx, logger.FromContext(ctx).With("cart_id", cartID))
	return r.WithContext(ctx)
}

// ContentTypeJSON enforces that requests with a body have Content-Type: application/json.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 || r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				httputil.WriteJSON(w, http.StatusUnsupportedMediaType, httputil.Response{
					Error: &httputil.ErrorResponse{Code: "UNSUPPORTED_MEDIA_TYPE", Message: "Content-Type must be application/json"},
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// CORS adds permissive Cross-Origin Resource Sharing headers for storefronts.
// The session key header is exposed so browsers can pick up a reissued key.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Correlation-ID, X-User-ID, X-Session-Key, X-Client-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Session-Key")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
