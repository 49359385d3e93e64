package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vecworker"
	"github.com/hupe1980/vecworker/distance"
	"github.com/hupe1980/vecworker/index"
)

func newCreateCmd(g *globalFlags) *cobra.Command {
	var (
		opts        index.Options
		metric      string
		kind        string
		compression string
	)

	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create an index, replacing any index with the same id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if opts.Metric, err = distance.ParseMetric(metric); err != nil {
				return err
			}
			opts.Kind = index.Kind(kind)
			opts.Compression = index.Compression(compression)

			return g.withWorker(func(w *vecworker.Worker) error {
				if err := w.CreateIndex(cmd.Context(), id, opts); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created index %s\n", id)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&opts.Dim, "dim", 0, "Vector dimension (required)")
	cmd.Flags().StringVar(&metric, "metric", "l2", "Distance metric: l2, cosine or dot")
	cmd.Flags().StringVar(&kind, "kind", "", "Index kind: flat or hnsw")
	cmd.Flags().IntVar(&opts.SegmentSize, "segment-size", 0, "Rows per segment")
	cmd.Flags().IntVar(&opts.MaxSealed, "max-sealed", 0, "Sealed segments before a merge")
	cmd.Flags().StringVar(&compression, "compression", "", "Segment compression: none, lz4 or zstd")
	cmd.Flags().IntVar(&opts.HNSW.M, "hnsw-m", 0, "HNSW graph degree")
	cmd.Flags().IntVar(&opts.HNSW.EfSearch, "hnsw-ef-search", 0, "HNSW search list size")
	_ = cmd.MarkFlagRequired("dim")
	return cmd
}

func newDestroyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <id>",
		Short: "Destroy an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return g.withWorker(func(w *vecworker.Worker) error {
				return w.DestroyIndex(cmd.Context(), id)
			})
		},
	}
}

func newListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List index ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withWorker(func(w *vecworker.Worker) error {
				for _, id := range w.List() {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newStatCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <id>",
		Short: "Print the number of sealed rows of an index",
		Long:  "Print the number of sealed rows of an index once background sealing has settled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return g.withWorker(func(w *vecworker.Worker) error {
				if err := w.WaitIdle(cmd.Context(), id); err != nil {
					return err
				}
				n, err := w.Stat(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config <id>",
		Short: "Print the configuration of an index as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return g.withWorker(func(w *vecworker.Worker) error {
				data, err := w.Config(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}
}
