package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	reqresp "github.com/glimte/mmate-reqresp"
	"github.com/glimte/mmate-reqresp/health"
	"github.com/glimte/mmate-reqresp/messaging"
	"github.com/glimte/mmate-reqresp/metrics"
	"github.com/spf13/cobra"
)

func newServerCmd(a *app) *cobra.Command {
	var echo bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Answer requests on the configured topic",
		Long: `Subscribes to the configured topic and answers every request, either with the
time the request arrived or, with --echo, with the request body itself.
Runs until interrupted or until the broker connection is lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runServer(ctx, echo)
		},
	}
	cmd.Flags().BoolVar(&echo, "echo", false, "reply with the request body instead of its arrival time")

	return cmd
}

func (a *app) runServer(ctx context.Context, echo bool) error {
	prom := metrics.NewProm()

	session, err := a.dial(ctx, reqresp.WithMetrics(prom))
	if err != nil {
		return err
	}
	defer session.Close()

	server, err := session.NewServer(a.cfg.Topic)
	if err != nil {
		return err
	}
	if err := server.AddListener(messaging.ListenerFunc(responder(echo, time.Now))); err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		registry := health.NewRegistry()
		registry.Register(health.NewConnectionChecker(session.Connection()))
		registry.Register(health.NewSubscriptionChecker("server", server))
		registry.Register(health.NewGoroutineChecker(1000, 10000))

		srv := serveHTTP(a.cfg.MetricsAddr, operationsMux(prom, registry))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("server listening", "topic", server.TopicName(), "echo", echo)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return nil
	case <-session.Done():
		return connectionLost(session)
	}
}

var errConnectionLost = errors.New("broker connection lost")

// connectionLost describes why the session's connection went away
func connectionLost(session *reqresp.Session) error {
	if err := session.Err(); err != nil {
		return fmt.Errorf("%w: %w", errConnectionLost, err)
	}
	return errConnectionLost
}

// responder answers with the arrival time of the request, or echoes it
func responder(echo bool, now func() time.Time) func(context.Context, *messaging.RequestResponseServer, *messaging.RequestEvent) error {
	return func(ctx context.Context, s *messaging.RequestResponseServer, event *messaging.RequestEvent) error {
		slog.Info("request received", "correlationId", event.CorrelationID, "bytes", len(event.Body))

		body := event.Body
		if !echo {
			body = []byte("Your request arrived at " + now().Format(time.RFC3339))
		}
		return s.SendResponse(ctx, event, body)
	}
}

// operationsMux exposes metrics and health endpoints
func operationsMux(prom *metrics.Prom, registry *health.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(registry))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

func serveHTTP(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("serving metrics and health", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
