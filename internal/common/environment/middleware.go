package environment

import (
	"net/http"
)

// Middleware resolves the environment once per request and stores the result
// in the request context. Handlers never re-resolve.
func Middleware(resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := resolver.Resolve(r.Context(), r.Host)
			next.ServeHTTP(w, r.WithContext(WithResolution(r.Context(), res)))
		})
	}
}
