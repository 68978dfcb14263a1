package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devflowhq/adw/internal/hub"
	"github.com/devflowhq/adw/internal/webhook"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, webhook gateway, and broadcast hub",
		Long: `Starts the long-lived daemon: the dispatch loop that drives queued
phases, the signed webhook intake, the websocket broadcast hub, and the
history recorder. Stops cleanly on SIGINT or SIGTERM, draining
in-flight phases first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			rt, err := buildRuntime(logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mux := http.NewServeMux()

			gateway, err := webhook.New(rt.cfg.Webhook.Secret,
				rt.cfg.Webhook.DedupWindow, rt.cfg.Webhook.Retention,
				rt.db, rt.queue, rt.orch, rt.publisher, logger)
			if err != nil {
				return err
			}
			gateway.Register(mux)

			h := hub.New(rt.publisher, logger)
			h.SetSnapshot(hub.TopicQueue, func(ctx context.Context) (any, error) {
				return rt.queue.All(ctx)
			})
			h.SetSnapshot(hub.TopicHistory, func(ctx context.Context) (any, error) {
				return rt.history.Recent(ctx, 50)
			})
			h.Register(mux)

			srv := &http.Server{
				Addr:    rt.cfg.Webhook.Addr,
				Handler: mux,
			}

			var wg sync.WaitGroup
			errCh := make(chan error, 2)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := rt.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- err
				}
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.Run(ctx)
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				rt.history.Run(ctx)
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				gateway.SweepLoop(ctx, time.Hour)
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				logger.Info("listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				stop()
				logger.Error("serve failed", "error", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
			wg.Wait()

			select {
			case err := <-errCh:
				return err
			default:
				return nil
			}
		},
	}
}
