// Package server wires HTTP handlers into a ServeMux for the ChatterUp
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: health, websocket endpoint, chat page, avatar upload and serving,
// and Prometheus metrics.
func SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", WebSocketHandler)
	mux.HandleFunc("/chat", ChatPageHandler)
	mux.HandleFunc("/upload-avatar", UploadAvatarHandler)
	mux.Handle("/uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(currentConfig().UploadDir))))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
