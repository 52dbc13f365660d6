package server

import (
	"net/http"

	"github.com/abduss/nullpath/internal/logger"
	"github.com/go-chi/cors"
)

// WithCORS wraps h so browsers on allowedOrigins can call the API. Uploads are
// anonymous, so credentials are never allowed.
func WithCORS(h http.Handler, allowedOrigins []string) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition", logger.CorrelationIDHeader},
		AllowCredentials: false,
		MaxAge:           3600,
	})(h)
}
