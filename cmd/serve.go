package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/api"
	"github.com/padlock-insure/padlock-ingest/internal/dashboard"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		// Jobs left running by a previous process can never finish.
		stale := time.Duration(cfg.Ingest.StaleAfterMinutes) * time.Minute
		if ids, err := env.Runner.RecoverStranded(ctx, stale); err != nil {
			zap.L().Warn("recover stranded jobs", zap.Error(err))
		} else if len(ids) > 0 {
			zap.L().Info("recovered stranded jobs", zap.Int("count", len(ids)))
		}

		if cfg.Dashboard.CheckIntervalSecs > 0 {
			checker := dashboard.NewChecker(
				env.Collector,
				env.Evaluator,
				dashboard.NewNotifier(cfg.Dashboard.AlertWebhookURL),
				time.Duration(cfg.Dashboard.CheckIntervalSecs)*time.Second,
			)
			go checker.Run(ctx)
		}

		handler := api.New(api.Deps{
			Ingestion:     env.Runner,
			ProductIngest: env.ProductIngest,
			Normalizer:    env.Normalizer,
			Duplicates:    env.Duplicates,
			Scraper:       env.Scraper,
			Consistency:   env.Consistency,
			Dashboard:     env.Collector,
			Evaluator:     env.Evaluator,
			Health:        env.Store,
		}, cfg.Server, cfg.Webhook).Handler()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
