package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/axial/internal/api"
	"github.com/jmerrifield20/axial/internal/health"
	"github.com/jmerrifield20/axial/internal/ledger"
	"github.com/jmerrifield20/axial/internal/shield"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the egress proxy and the admin API",
	Long: `serve opens the ledger and starts the shield's egress proxy and the
HTTP admin API. Every proxy decision is recorded in the ledger. The process
stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	l, closeLedger, err := openLedger(ctx, false)
	if err != nil {
		return err
	}
	defer closeLedger()

	r, err := newRouter()
	if err != nil {
		return err
	}
	s, err := newShield()
	if err != nil {
		return err
	}

	if _, err := l.Append(ctx, map[string]any{"event": "session_start", "version": version}); err != nil {
		return fmt.Errorf("record session start: %w", err)
	}

	errCh := make(chan error, 2)

	var hc *health.Checker
	if cfg.Router.HealthInterval > 0 && len(r.HealthTargets()) > 0 {
		hc = health.New(r, health.Config{CheckInterval: cfg.Router.HealthInterval}, logger)
		hc.OnTransition(func(ctx context.Context, providerID string, status health.Status, failures int) {
			if _, err := l.Append(ctx, map[string]any{
				"event":       "provider_health",
				"provider_id": providerID,
				"status":      string(status),
				"failures":    failures,
			}); err != nil {
				logger.Error("record provider health", zap.Error(err))
			}
		})
		go hc.Start(ctx)
	}

	var proxy *shield.Proxy
	if cfg.Proxy.Enabled {
		proxy = shield.NewProxy(s, cfg.Proxy.Listen,
			shield.WithProxyLogger(logger),
			shield.WithDecisionHook(recordDecision(ctx, l)),
		)
		go func() {
			logger.Info("shield proxy listening", zap.String("addr", cfg.Proxy.Listen))
			if err := proxy.ListenAndServe(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	var httpSrv *http.Server
	if cfg.API.Enabled {
		var tokens *api.TokenIssuer
		if cfg.API.AdminSecret != "" {
			tokens, err = api.NewTokenIssuer(cfg.API.AdminSecret, "axial", cfg.API.TokenTTL)
			if err != nil {
				return err
			}
		} else {
			logger.Warn("api.admin_secret not set: admin routes disabled")
		}

		if os.Getenv("GIN_MODE") == "" {
			gin.SetMode(gin.ReleaseMode)
		}
		engine := api.NewEngine(ctx, api.Deps{
			Ledger:       l,
			Router:       r,
			Shield:       s,
			Health:       hc,
			Tokens:       tokens,
			Logger:       logger,
			CORSOrigins:  cfg.API.CORSOrigins,
			RateLimitRPS: cfg.API.RateLimitRPS,
		})
		httpSrv = api.NewServer(cfg.API.Listen, engine)
		go func() {
			logger.Info("admin API listening", zap.String("addr", cfg.API.Listen))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin API: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}
	logger.Info("shutting down axial...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", zap.Error(err))
		}
	}
	if proxy != nil {
		if err := proxy.Shutdown(shutdownCtx); err != nil {
			logger.Error("proxy shutdown error", zap.Error(err))
		}
	}
	if _, err := l.Append(shutdownCtx, map[string]any{"event": "session_end"}); err != nil {
		logger.Error("record session end", zap.Error(err))
	}

	logger.Info("axial stopped")
	return runErr
}

// recordDecision returns a proxy hook that writes each decision to the
// ledger.
func recordDecision(ctx context.Context, l *ledger.Ledger) func(shield.Decision) {
	return func(d shield.Decision) {
		payload := map[string]any{
			"event":   "egress_decision",
			"method":  d.Method,
			"host":    d.Host,
			"allowed": d.Allowed,
		}
		if d.Reason != "" {
			payload["reason"] = d.Reason
		}
		if _, err := l.Append(context.WithoutCancel(ctx), payload); err != nil {
			logger.Error("record egress decision", zap.String("host", d.Host), zap.Error(err))
		}
	}
}
