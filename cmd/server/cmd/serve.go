package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"job-broker/api/rest/routes"
	"job-broker/core/broker"
	"job-broker/core/monitoring"
	"job-broker/core/notify"
	"job-broker/core/scheduler"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API, the autoscaler and the job monitor",
		RunE:  serve,
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	notifier := notify.NewWebhookNotifier(cfg.Notify.Timeout)
	reallocator := scheduler.NewReallocator(c.fleet, c.metrics, 0)
	b := broker.NewService(c.stores(), brokerConfig(cfg),
		broker.WithNotifier(notifier),
		broker.WithReallocator(reallocator),
		broker.WithMetrics(c.metrics),
	)
	rules := scheduler.NewRuleService(c.rules, cfg.Scaling.MaxReplicasCeiling, cfg.Server.AdminOwner, nil)

	go monitoring.NewJobMonitor(c.jobs, c.metrics, cfg.Monitoring.Interval).Start(ctx)

	if cfg.Scaling.Enabled {
		evaluator := scheduler.NewEvaluator(c.jobs, c.rules, c.fleet, c.metrics, nil)
		scaler := scheduler.NewAutoScaler(c.rules, evaluator, c.metrics, cfg.Scaling.BatchSize, cfg.Scaling.Interval)
		go scaler.Start(ctx)
		log.Infof("Autoscaler evaluating rules every %s", cfg.Scaling.Interval)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           routes.NewRouter(b, rules, c.metrics, cfg.Server.OwnerHeader),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Infof("Starting server on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	notifier.Wait()
	reallocator.Wait()
	log.Info("Server exited")
	return nil
}
