package httpmw

import (
	"net/http"

	"github.com/keithlinneman/couponforge-web/internal/log"
	"github.com/keithlinneman/couponforge-web/internal/xerrors"
)

// Recover converts handler panics into 500 responses. onPanic (optional)
// is invoked per recovered panic, e.g. to bump a prometheus counter.
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if onPanic != nil {
					onPanic()
				}
				err, ok := rec.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", rec)
				}
				base.Error(r.Context(), err, "recovered panic in http handler",
					"method", r.Method,
					"path", r.URL.Path,
				)
				// headers may already be written; best effort
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
