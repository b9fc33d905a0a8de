package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"

	"github.com/go-chi/chi/v5"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/httputil"
)

// RegisterPprof mounts the pprof handlers under /debug/pprof, reachable only
// from addresses inside allowedCIDRs.
func RegisterPprof(r chi.Router, allowedCIDRs []string, logger *slog.Logger) {
	r.Route("/debug/pprof", func(r chi.Router) {
		r.Use(IPAllowlist(allowedCIDRs, logger))
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		r.HandleFunc("/*", pprof.Index)
	})
}

// IPAllowlist rejects requests whose remote address is outside every CIDR
// with 403. Invalid CIDRs are logged and skipped.
func IPAllowlist(cidrs []string, logger *slog.Logger) func(http.Handler) http.Handler {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			logger.Warn("invalid allowlist CIDR, skipping",
				slog.String("cidr", cidr),
				slog.String("error", err.Error()),
			)
			continue
		}
		prefixes = append(prefixes, p.Masked())
	}

	allowed := func(remote string) bool {
		host, _, err := net.SplitHostPort(remote)
		if err != nil {
			host = remote
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, p := range prefixes {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowed(r.RemoteAddr) {
				logger.Warn("access denied by IP allowlist",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("path", r.URL.Path),
				)
				httputil.WriteJSON(w, http.StatusForbidden, httputil.Response{
					Error: &httputil.ErrorResponse{Code: "FORBIDDEN", Message: "access restricted by IP allowlist"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
