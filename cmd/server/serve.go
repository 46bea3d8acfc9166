package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/moneyflow888/moneyflow-web/internal/auth"
	"github.com/moneyflow888/moneyflow-web/internal/config"
	"github.com/moneyflow888/moneyflow-web/internal/fund"
	"github.com/moneyflow888/moneyflow-web/internal/metrics"
	"github.com/moneyflow888/moneyflow-web/internal/settlement"
)

func runServe(ctx context.Context) error {
	b, err := openBackend(ctx, cfg, cfg.Database.AutoMigrate)
	if err != nil {
		return err
	}
	defer b.Close()

	if !cfg.AdminEnabled() {
		slog.Warn("ADMIN_TOKEN not set, admin login is disabled")
	}

	// --- WebSocket hub ---
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	wsHub := fund.NewWSHub()
	go wsHub.Run(hubCtx)

	// --- Services ---
	settler := settlement.NewService(b.Store, wsHub, settlementOptions(cfg))
	sessions := auth.NewSessions(cfg.Admin.Token, cfg.Admin.SessionSecret, cfg.GetSessionTTL(), cfg.Admin.SecureCookie)
	fundSvc := fund.NewService(b.Store, settler, sessions, wsHub, fund.Options{
		Currency:     cfg.Fund.Currency,
		HistoryLimit: cfg.Fund.HistoryLimit,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(cfg, fundSvc),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.GetRequestTimeout() + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("fund-server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()

	slog.Info("shutting down fund-server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stopHub()
	slog.Info("fund-server stopped")
	return nil
}

func newRouter(c *config.Config, fundSvc *fund.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware(c.Server.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fund-server"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The timeout would cut long-lived WebSocket connections, so it
		// wraps everything except /ws.
		r.Use(skipTimeoutFor("/api/v1/ws", c.GetRequestTimeout()))
		fundSvc.Routes(r)
	})

	return r
}

func skipTimeoutFor(path string, timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		withTimeout := middleware.Timeout(timeout)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path {
				next.ServeHTTP(w, r)
				return
			}
			withTimeout.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware allows the dashboard frontend to call the API. Credentials
// are allowed so the admin cookie travels; a wildcard origin is therefore
// echoed back rather than sent as "*".
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.HeaderUserID+", "+auth.HeaderUserEmail)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
