// Package httpserver builds the operational HTTP endpoint. The ceremony
// subsystem is a library; this server carries health and metrics routes
// only, never domain operations.
package httpserver

import (
	"net/http"
	"time"
)

// New builds the operational HTTP server. Handlers here are cheap (the
// slowest is the health check pinging the backing stores), so the timeouts
// are tight.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
