package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.HTTPAddr = addr
			}
			return c.runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func (c *cli) runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := a.handler()
	if err != nil {
		return err
	}
	e := h.Echo()

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("http server listening", "addr", c.cfg.HTTPAddr)
		if err := e.Start(c.cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	c.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("graceful shutdown failed", "err", err)
		return err
	}
	c.logger.Info("http server stopped")
	return nil
}
