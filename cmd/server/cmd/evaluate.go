package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"job-broker/core/scheduler"
)

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluates every scaling rule once and exits",
		RunE:  evaluate,
	}
}

func evaluate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	evaluator := scheduler.NewEvaluator(c.jobs, c.rules, c.fleet, c.metrics, nil)
	scaler := scheduler.NewAutoScaler(c.rules, evaluator, c.metrics, cfg.Scaling.BatchSize, cfg.Scaling.Interval)
	if err := scaler.EvaluateAll(ctx); err != nil {
		log.WithError(err).Error("Some scaling rules failed to evaluate")
		return err
	}
	log.Info("Scaling rules evaluated")
	return nil
}
