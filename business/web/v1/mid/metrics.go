package mid

import (
	"context"
	"expvar"
	"net/http"
	"runtime"

	"github.com/sa2shinakamo2/bt2c/foundation/web"
)

// Counters for the service as a whole, published through expvar.
var (
	goroutines = expvar.NewInt("goroutines")
	requests   = expvar.NewInt("requests")
	errorsCnt  = expvar.NewInt("errors")
)

// Metrics updates the service counters per request.
func Metrics() web.Middleware {

	m := func(handler web.Handler) web.Handler {

		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			err := handler(ctx, w, r)

			requests.Add(1)

			// Sample the goroutine count every hundred requests.
			if requests.Value()%100 == 0 {
				goroutines.Set(int64(runtime.NumGoroutine()))
			}

			if err != nil {
				errorsCnt.Add(1)
			}

			return err
		}

		return h
	}

	return m
}
