package common

import (
	"fmt"
	"strings"
)

// CORSConfig holds CORS configuration for the JSON:API transport examples.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// DefaultCORSConfig returns a permissive CORS configuration suitable for
// local development and the example server.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Accept"},
		MaxAge:         86400,
	}
}

// SetCORSHeaders sets CORS headers on a response writer.
func SetCORSHeaders(w ResponseWriter, r Request, cfg CORSConfig) {
	origin := "*"
	if r != nil {
		if reqOrigin := r.Header("Origin"); reqOrigin != "" && !containsOrigin(cfg.AllowedOrigins, "*") {
			origin = reqOrigin
		}
	}
	if len(cfg.AllowedOrigins) > 0 {
		w.SetHeader("Access-Control-Allow-Origin", origin)
	}
	if len(cfg.AllowedMethods) > 0 {
		w.SetHeader("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
	}
	if len(cfg.AllowedHeaders) > 0 {
		w.SetHeader("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
	}
	if cfg.MaxAge > 0 {
		w.SetHeader("Access-Control-Max-Age", fmt.Sprintf("%d", cfg.MaxAge))
	}
	w.SetHeader("Access-Control-Allow-Credentials", "true")
}

func containsOrigin(origins []string, target string) bool {
	for _, o := range origins {
		if o == target {
			return true
		}
	}
	return false
}
