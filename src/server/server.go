package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"tradepilot/src/auth"
	"tradepilot/src/engine"
)

// Router builds the control surface. Every tenant-scoped route runs the
// authorization check before touching the engine; denials carry an explicit
// reason and never fall back to a default tenant.
func Router(ctrl engine.Controller, authorizer auth.Authorizer) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, req *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthcheck write failed")
		}
	})

	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Use(requireTenant(authorizer))

		r.Get("/status", statusHandler(ctrl))
		r.Post("/pause", pauseHandler(ctrl))
		r.Post("/resume", resumeHandler(ctrl))
		r.Post("/close-all", closeAllHandler(ctrl))
	})

	return r
}

// requireTenant authorizes the request against the path tenant and stamps
// it onto the context.
func requireTenant(authorizer auth.Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			tenant := chi.URLParam(req, "tenant")
			if tenant == "" {
				http.Error(w, "missing tenant", http.StatusBadRequest)
				return
			}
			if err := authorizer.Authorize(req, tenant); err != nil {
				logger.WithFields(map[string]interface{}{
					"component": "server",
					"tenant":    tenant,
					"reason":    err.Error(),
				}).Warn("control request denied")
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req.WithContext(auth.WithTenant(req.Context(), tenant)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}

func statusHandler(ctrl engine.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tenant, _ := auth.GetTenantFromContext(req.Context())
		status, err := ctrl.GetStatus(tenant)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func pauseHandler(ctrl engine.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tenant, _ := auth.GetTenantFromContext(req.Context())
		reason := req.URL.Query().Get("reason")
		if reason == "" {
			reason = engine.PauseOperator
		}
		if err := ctrl.Pause(tenant, reason); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "reason": reason})
	}
}

func resumeHandler(ctrl engine.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tenant, _ := auth.GetTenantFromContext(req.Context())
		if err := ctrl.Resume(tenant); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	}
}

func closeAllHandler(ctrl engine.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tenant, _ := auth.GetTenantFromContext(req.Context())
		results, err := ctrl.CloseAll(req.Context(), tenant, "control_surface")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		failed := 0
		for _, r := range results {
			if !r.Ok {
				failed++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":   len(results),
			"failed":  failed,
			"results": results,
		})
	}
}

// StartServer runs the control surface with graceful shutdown on SIGINT or
// SIGTERM.
func StartServer(port string, ctrl engine.Controller, authorizer auth.Authorizer) {
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: Router(ctrl, authorizer),
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
