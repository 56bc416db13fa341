package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatterup/chatterup/internal/server"
	"github.com/chatterup/chatterup/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load(".env")

	config := server.NewConfigFromEnv()
	server.SetConfig(config)

	// Chat degraded is more valuable than chat unavailable: if the store
	// cannot be opened, keep accepting connections and serve empty history.
	st, err := store.Open(config.DBPath)
	if err != nil {
		slog.Error("message store unavailable, running without history or persistence", "path", config.DBPath, "error", err)
	} else {
		server.SetMessageStore(st)
		defer func() {
			if err := st.Close(); err != nil {
				slog.Warn("error closing message store", "error", err)
			}
		}()
	}

	server.StartHub()

	mux := server.SetupRoutes()
	httpServer := server.CreateServer(config.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		slog.Warn("HTTP shutdown did not complete cleanly", "error", err)
	}
	if err := server.GetHub().Shutdown(shutdownTimeout); err != nil {
		slog.Warn("hub shutdown did not complete cleanly", "error", err)
	}

	slog.Info("server stopped")
}
