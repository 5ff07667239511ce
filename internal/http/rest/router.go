package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/zipdrop/internal/diag"
	"github.com/italolelis/zipdrop/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Download *DownloadHandler
	Admin    *AdminHandler

	// SharedFilePath is served at SharedFileRoute when both are set.
	SharedFilePath  string
	SharedFileRoute string

	Telemetry *telemetry.Telemetry
	Reporter  *diag.Reporter
}

// NewRouter builds the public handler. Request spans come from otelhttp so
// every log line written while serving carries the trace id.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(cfg.Telemetry).Middleware)
	r.Use(Recoverer(cfg.Reporter))
	r.Use(middleware.CleanPath)

	r.Mount("/", cfg.Download.Routes())

	if cfg.SharedFilePath != "" && cfg.SharedFileRoute != "" {
		r.Method(http.MethodGet, cfg.SharedFileRoute, NewSharedFileHandler(cfg.SharedFilePath))
	}

	if cfg.Telemetry != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Telemetry.Handler())
	}

	if cfg.Admin != nil && cfg.Admin.Enabled() {
		r.Mount("/admin", cfg.Admin.Routes())
	}

	return otelhttp.NewHandler(r, "zipdrop",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
