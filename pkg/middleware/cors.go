// Package middleware holds ambient HTTP middleware shared by the gateway.
package middleware

import "net/http"

// CorsMiddleware handles CORS and OPTIONS preflight requests against a
// resolved allowedOrigins list. Resolving that list — config defaults,
// persisted overrides, env overrides — is the caller's job (the gateway
// reads it from config.Store); this middleware only enforces whatever
// it's handed. A nil/empty allowedOrigins denies every cross-origin
// request; a single "*" entry allows every origin.
// This middleware intercepts OPTIONS requests only if the Origin header is
// present and valid, otherwise passing the request to the next handler
// (allowing 405/404 responses as appropriate).
func CorsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	allowedSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowedSet[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowed := allowAll || originAllowed(origin, allowedSet)

		if origin != "" && !allowed {
			http.Error(w, "Origin not allowed", http.StatusForbidden)
			return
		}

		if origin != "" && allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		if r.Method == http.MethodOptions {
			if origin == "" || !allowed {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowedSet map[string]struct{}) bool {
	_, ok := allowedSet[origin]
	return ok
}
