package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/config", h.Config)
	mux.HandleFunc("GET /api/presets", h.Presets)

	mux.HandleFunc("POST /api/generate", h.Generate)
	mux.HandleFunc("POST /api/upload", h.Generate)
	mux.HandleFunc("GET /api/status/{id}", h.Status)
	mux.HandleFunc("GET /api/preview/{id}", h.Preview)

	mux.HandleFunc("POST /api/create-checkout", h.CreateCheckout)
	mux.HandleFunc("POST /api/webhook", h.Webhook)
	mux.HandleFunc("POST /api/verify-payment/{id}", h.VerifyPayment)
	mux.HandleFunc("GET /api/download/{id}", h.Download)

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
