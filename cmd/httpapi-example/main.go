// Command httpapi-example demonstrates the mcpmgr.Manager façade behind a
// minimal net/http server. It is a thin adapter only: auth, rate-limiting,
// security headers, and routing conventions beyond basic path matching are
// explicitly out of scope here.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/railwayhq/mcp-manager-core/pkg/mcpmgr"
)

func main() {
	logCfg := zap.NewProductionConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if err := logCfg.Level.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
			log.Fatalf("LOG_LEVEL: %v", err)
		}
	}
	logger, err := logCfg.Build()
	if err != nil {
		log.Fatalf("zap production config: %v", err)
	}
	defer logger.Sync()

	mgr := mcpmgr.NewManager(&mcpmgr.ManagerOptions{Logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	mgr.InitializeDefaultServers(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mgr.HealthCheck())
	})
	mux.HandleFunc("/servers/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/servers/")
		if name == "" {
			writeJSON(w, http.StatusOK, mgr.ListServerNames())
			return
		}
		switch r.Method {
		case http.MethodPost:
			outcome, err := mgr.ConnectServer(r.Context(), name, nil)
			if err != nil {
				writeError(w, http.StatusBadGateway, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome.String()})
		case http.MethodDelete:
			if err := mgr.DisconnectServer(name); err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			status, ok := mgr.Status(name)
			if !ok {
				writeError(w, http.StatusNotFound, &mcpmgr.ErrNotConnected{Name: name})
				return
			}
			writeJSON(w, http.StatusOK, status)
		}
	})
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mgr.ListAllTools())
	})

	handler := cors.Default().Handler(mux)
	srv := &http.Server{Addr: ":8080", Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("httpapi-example listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server exited", zap.Error(err))
	}
	mgr.DisconnectAll()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
