package rest

import (
	"net/http"

	"github.com/italolelis/zipdrop/internal/diag"
)

// Recoverer turns a handler panic into a generic 500 and reports it.
func Recoverer(reporter *diag.Reporter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				reporter.Report(r.Context(), "server_exception", &diag.PanicError{Value: rec})
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
