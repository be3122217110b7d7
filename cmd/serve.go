package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/taxaudit-cli/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for sync/analysis triggers and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.store.Migrate(ctx); err != nil {
			return eris.Wrap(err, "serve: migrate")
		}

		orch, err := env.newOrchestrator()
		if err != nil {
			return err
		}

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/sync", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				TenantID  string   `json:"tenant_id"`
				Years     []int    `json:"years"`
				DataTypes []string `json:"data_types"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if body.TenantID == "" {
				writeError(w, http.StatusBadRequest, "tenant_id is required")
				return
			}
			years := body.Years
			if len(years) == 0 {
				writeError(w, http.StatusBadRequest, "years is required")
				return
			}
			dataTypes, err := parseDataTypes(body.DataTypes)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			// Runs against the server context so shutdown cancels it at a
			// page boundary and the checkpoint survives.
			go func() {
				report, err := env.engine.Start(ctx, body.TenantID, years, dataTypes)
				if err != nil {
					zap.L().Error("triggered sync failed",
						zap.String("tenant_id", body.TenantID),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("triggered sync finished",
					zap.String("tenant_id", body.TenantID),
					zap.Int("complete", report.Complete),
					zap.Int("errored", report.Errored),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":    "accepted",
				"tenant_id": body.TenantID,
			})
		})

		r.Post("/analyze", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				TenantID  string `json:"tenant_id"`
				BatchSize int    `json:"batch_size"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if body.TenantID == "" {
				writeError(w, http.StatusBadRequest, "tenant_id is required")
				return
			}

			go func() {
				report, err := orch.RunBatch(ctx, body.TenantID, body.BatchSize)
				if err != nil {
					zap.L().Error("triggered analysis failed",
						zap.String("tenant_id", body.TenantID),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("triggered analysis finished",
					zap.String("tenant_id", body.TenantID),
					zap.String("batch_id", report.BatchID),
					zap.Int("succeeded", report.Succeeded),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":    "accepted",
				"tenant_id": body.TenantID,
			})
		})

		r.Get("/status/sync/{tenant}", func(w http.ResponseWriter, req *http.Request) {
			tenantID := chi.URLParam(req, "tenant")
			report, err := env.store.SyncStatus(req.Context(), tenantID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "sync status unavailable")
				return
			}
			writeJSON(w, http.StatusOK, report)
		})

		r.Get("/status/analysis/{tenant}", func(w http.ResponseWriter, req *http.Request) {
			tenantID := chi.URLParam(req, "tenant")
			report, err := analysisStatus(req, env, tenantID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "analysis status unavailable")
				return
			}
			writeJSON(w, http.StatusOK, report)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// analysisStatus augments the store breakdown with live budget numbers.
func analysisStatus(req *http.Request, env *appEnv, tenantID string) (*model.AnalysisStatusReport, error) {
	report, err := env.store.AnalysisStatus(req.Context(), tenantID)
	if err != nil {
		return nil, err
	}
	spent, err := env.ledger.Spent(req.Context(), tenantID)
	if err != nil {
		return nil, err
	}
	report.SpentUSD = spent
	report.RemainingUSD = env.ledger.Ceiling() - spent
	return report, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
