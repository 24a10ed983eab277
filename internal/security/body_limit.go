package security

import "net/http"

// BodySizeLimit caps request bodies at n bytes. Reads past the cap fail with
// *http.MaxBytesError. A non-positive n disables the cap.
func BodySizeLimit(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
