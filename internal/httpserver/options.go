package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/couponforge-web/internal/httpmw"
	"github.com/keithlinneman/couponforge-web/internal/log"
	"github.com/keithlinneman/couponforge-web/internal/probe"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64
	Health       probe.Probe
	Readiness    probe.Probe

	// APIRoutes registers the application endpoints on the router.
	APIRoutes func(chi.Router)
}
