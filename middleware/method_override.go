package middleware

import (
	"net/http"
	"strings"
)

var overridable = map[string]bool{
	http.MethodDelete: true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
}

// MethodOverride lets HTML forms reach DELETE routes with POST ...?_method=DELETE.
// It wraps the engine because gin picks the route before any middleware runs.
func MethodOverride(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if m := strings.ToUpper(r.URL.Query().Get("_method")); overridable[m] {
				r.Method = m
			}
		}
		next.ServeHTTP(w, r)
	})
}
