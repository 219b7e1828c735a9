package main

import (
	"fmt"
	"log"
	"os"

	"battery-policy/internal/analysis"
	"battery-policy/internal/config"
	"battery-policy/internal/data"
	"battery-policy/internal/env"
	"battery-policy/internal/policy"
	"battery-policy/internal/train"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type opts struct {
	configPath string
	dataPath   string
	valPath    string

	checkpointOut string
	checkpointIn  string
	ledgerOut     string
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "battery-policy",
		Short: "Train and evaluate differentiable battery controllers",
		Long: `battery-policy trains neural battery dispatch controllers against a
soft-clamped differentiable battery simulator, evaluates trained checkpoints
on held-out trajectory data, and computes perfect-foresight cost bounds.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "config.yaml", "path to YAML configuration")
	root.PersistentFlags().StringVarP(&o.dataPath, "data", "d", "", "path to trajectory CSV")

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train a controller and write a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(o)
		},
	}
	trainCmd.Flags().StringVar(&o.valPath, "val-data", "", "validation trajectory CSV (defaults to the training data)")
	trainCmd.Flags().StringVarP(&o.checkpointOut, "out", "o", "checkpoint.json", "checkpoint output path")

	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a checkpoint and optionally write a rollout ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(o)
		},
	}
	evalCmd.Flags().StringVar(&o.checkpointIn, "checkpoint", "checkpoint.json", "checkpoint to evaluate")
	evalCmd.Flags().StringVar(&o.ledgerOut, "ledger", "", "per-timestep ledger CSV output (optional)")

	oracleCmd := &cobra.Command{
		Use:   "oracle",
		Short: "Compute the perfect-foresight cost lower bound for a series",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOracle(o)
		},
	}

	root.AddCommand(trainCmd, evalCmd, oracleCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadSetup(o opts) (*config.Config, *data.Series, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", o.configPath, err)
	}
	if o.dataPath == "" {
		return nil, nil, fmt.Errorf("--data is required")
	}
	series, err := data.LoadSeriesCSV(o.dataPath)
	if err != nil {
		return nil, nil, err
	}
	if len(series.Columns) != cfg.Model.InputSize {
		return nil, nil, fmt.Errorf("data has %d feature columns, model expects %d",
			len(series.Columns), cfg.Model.InputSize)
	}
	return cfg, series, nil
}

func runTrain(o opts) error {
	cfg, series, err := loadSetup(o)
	if err != nil {
		return err
	}

	trainSet, err := series.Batches(cfg.Trainer.SeqLen, cfg.Trainer.BatchSize)
	if err != nil {
		return err
	}
	valSet := trainSet
	if o.valPath != "" {
		val, err := data.LoadSeriesCSV(o.valPath)
		if err != nil {
			return err
		}
		valSet, err = val.Batches(cfg.Trainer.SeqLen, cfg.Trainer.BatchSize)
		if err != nil {
			return err
		}
	}

	ctrl, err := cfg.BuildController()
	if err != nil {
		return err
	}
	beta, err := train.NewBeta(cfg.BetaConfig())
	if err != nil {
		return err
	}
	trainer, err := train.New(ctrl, beta, cfg.TrainConfig())
	if err != nil {
		return err
	}
	trainer.Metrics = train.NewMetrics(prometheus.NewRegistry())

	log.Printf("Training %s controller: %d train batches, %d val batches",
		cfg.Model.Kind, len(trainSet), len(valSet))
	history, err := trainer.Fit(trainSet, valSet)
	if err != nil {
		return err
	}
	last := history.Epochs[len(history.Epochs)-1]
	log.Printf("Done after %d epochs: train loss %.4f, val loss %.4f",
		last.Epoch, last.TrainLoss, last.ValLoss)

	if err := policy.SaveCheckpoint(o.checkpointOut, cfg.Model.Kind, ctrl); err != nil {
		return err
	}
	log.Printf("Checkpoint written to %s", o.checkpointOut)
	return nil
}

func runEval(o opts) error {
	cfg, series, err := loadSetup(o)
	if err != nil {
		return err
	}
	batches, err := series.Batches(cfg.Trainer.SeqLen, cfg.Trainer.BatchSize)
	if err != nil {
		return err
	}

	ctrl, err := cfg.BuildController()
	if err != nil {
		return err
	}
	if err := policy.LoadCheckpoint(o.checkpointIn, cfg.Model.Kind, ctrl); err != nil {
		return err
	}
	ctrl.SetTraining(false)

	total := 0.0
	trajectories := 0
	for i, b := range batches {
		rollout, err := ctrl.EvalForward(b, env.HardBeta())
		if err != nil {
			return err
		}
		total += rollout.TotalCost()
		trajectories += rollout.Batch
		if o.ledgerOut != "" && i == 0 {
			if err := data.WriteRolloutCSV(o.ledgerOut, b, rollout); err != nil {
				return err
			}
			log.Printf("Ledger written to %s", o.ledgerOut)
		}
	}
	log.Printf("Evaluated %d trajectories: total cost %.4f, mean per trajectory %.4f",
		trajectories, total, total/float64(trajectories))
	return nil
}

func runOracle(o opts) error {
	cfg, series, err := loadSetup(o)
	if err != nil {
		return err
	}
	bound := analysis.ComputeBound(series.Price, series.PVPower, series.Peak, cfg.Battery.ToParams())
	log.Printf("Series: %d steps, price min %.4f / mean %.4f / max %.4f (p05 %.4f, p95 %.4f)",
		bound.Steps, bound.MinPrice, bound.MeanPrice, bound.MaxPrice, bound.P05Price, bound.P95Price)
	log.Printf("Perfect-foresight cost lower bound: %.4f", bound.MinCost)
	return nil
}
