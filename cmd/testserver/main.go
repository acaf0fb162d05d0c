// testserver starts an in-memory task queue and workflow stream server for
// local runs and E2E tests.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/seantiz/ember/internal/conductortest"
)

func main() {
	httpAddr := envOr("EMBER_TESTSERVER_HTTP_ADDR", ":8080")
	streamAddr := envOr("EMBER_TESTSERVER_STREAM_ADDR", ":8090")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tasks := conductortest.NewServer(logger)
	workflows := conductortest.NewStreamServer(logger)
	for _, name := range strings.Split(os.Getenv("EMBER_TESTSERVER_FAIL_WORKFLOWS"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			workflows.Fail(name, "workflow "+name+" is configured to fail")
		}
	}

	ln, err := net.Listen("tcp", streamAddr)
	if err != nil {
		log.Fatalf("listen stream: %v", err)
	}
	go func() {
		if err := workflows.Serve(ln); err != nil {
			logger.Error("stream server", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           tasks.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	logger.Info("testserver listening", "http_addr", httpAddr, "stream_addr", ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	workflows.Close()
	logger.Info("testserver stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
