// Package cmd provides the CLI commands for vecworker.
package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hupe1980/vecworker"
	"github.com/hupe1980/vecworker/internal/config"
	"github.com/hupe1980/vecworker/model"
)

type globalFlags struct {
	configPath string
	dir        string
}

// NewRootCmd creates the root command for the vecworker CLI.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "vecworker",
		Short: "Manage a directory of vector indexes",
		Long: `vecworker hosts many independently rebuildable vector indexes in one
directory. Every command opens the worker, runs one call and closes it again;
the worker is locked while a command runs.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&g.dir, "dir", "", "Worker directory (overrides the config file)")

	cmd.AddCommand(
		newInitCmd(g),
		newCreateCmd(g),
		newDestroyCmd(g),
		newListCmd(g),
		newStatCmd(g),
		newConfigCmd(g),
		newInsertCmd(g),
		newSearchCmd(g),
		newDeleteCmd(g),
		newFlushCmd(g),
		newBackupCmd(g),
		newRestoreCmd(g),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dir != "" {
		cfg.Dir = g.dir
	}
	return cfg, nil
}

// withWorker opens the configured worker, runs fn and closes the worker.
// Configured metrics are written after the worker is closed.
func (g *globalFlags) withWorker(fn func(*vecworker.Worker) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	reg, collector, err := cfg.NewMetrics()
	if err != nil {
		return err
	}
	opts := cfg.WorkerOptions()
	if collector != nil {
		opts = append(opts, vecworker.WithMetricsCollector(collector))
	}

	w, err := vecworker.Open(cfg.Dir, opts...)
	if err != nil {
		return fmt.Errorf("open worker %s: %w", cfg.Dir, err)
	}
	err = fn(w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if reg != nil {
		if merr := prometheus.WriteToTextfile(cfg.Metrics.Textfile, reg); err == nil && merr != nil {
			err = fmt.Errorf("write metrics: %w", merr)
		}
	}
	return err
}

func parseID(s string) (model.ID, error) {
	id, err := model.ParseID(s)
	if err != nil {
		return model.Nil, fmt.Errorf("index id: %w", err)
	}
	return id, nil
}

func newInitCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an empty worker directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			w, err := vecworker.Create(cfg.Dir, cfg.WorkerOptions()...)
			if err != nil {
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized worker in %s\n", cfg.Dir)
			return nil
		},
	}
}
