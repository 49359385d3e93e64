package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vecworker"
	"github.com/hupe1980/vecworker/model"
)

// parseVector accepts "[1,2,3]" or "1,2,3".
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		s = "[" + s + "]"
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("vector: %w", err)
	}
	return v, nil
}

func newInsertCmd(g *globalFlags) *cobra.Command {
	var (
		vector  string
		pointer uint64
	)

	cmd := &cobra.Command{
		Use:   "insert <id>",
		Short: "Insert one vector and flush it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			v, err := parseVector(vector)
			if err != nil {
				return err
			}
			return g.withWorker(func(w *vecworker.Worker) error {
				if err := w.Insert(cmd.Context(), id, v, model.Pointer(pointer)); err != nil {
					return err
				}
				return w.Flush(cmd.Context(), id)
			})
		},
	}

	cmd.Flags().StringVar(&vector, "vector", "", "Vector, e.g. \"[0.1,0.2]\" (required)")
	cmd.Flags().Uint64Var(&pointer, "pointer", 0, "Pointer returned by searches")
	_ = cmd.MarkFlagRequired("vector")
	return cmd
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	var (
		vector string
		k      int
	)

	cmd := &cobra.Command{
		Use:   "search <id>",
		Short: "Print the pointers of the nearest vectors, nearest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			v, err := parseVector(vector)
			if err != nil {
				return err
			}
			return g.withWorker(func(w *vecworker.Worker) error {
				ptrs, err := w.Search(cmd.Context(), id, v, k, nil)
				if err != nil {
					return err
				}
				for _, p := range ptrs {
					fmt.Fprintln(cmd.OutOrStdout(), uint64(p))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&vector, "vector", "", "Query vector (required)")
	cmd.Flags().IntVarP(&k, "k", "k", 10, "Number of neighbors")
	_ = cmd.MarkFlagRequired("vector")
	return cmd
}

func newDeleteCmd(g *globalFlags) *cobra.Command {
	var pointers []string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete the vectors stored under the given pointers and flush",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			set := make(map[model.Pointer]struct{}, len(pointers))
			for _, s := range pointers {
				p, err := strconv.ParseUint(s, 10, 64)
				if err != nil {
					return fmt.Errorf("pointer %q: %w", s, err)
				}
				set[model.Pointer(p)] = struct{}{}
			}
			return g.withWorker(func(w *vecworker.Worker) error {
				err := w.Delete(cmd.Context(), id, func(p model.Pointer) bool {
					_, ok := set[p]
					return ok
				})
				if err != nil {
					return err
				}
				return w.Flush(cmd.Context(), id)
			})
		},
	}

	cmd.Flags().StringSliceVar(&pointers, "pointer", nil, "Pointers to delete (repeatable)")
	_ = cmd.MarkFlagRequired("pointer")
	return cmd
}

func newFlushCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "flush <id>",
		Short: "Make pending writes of an index durable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return g.withWorker(func(w *vecworker.Worker) error {
				return w.Flush(cmd.Context(), id)
			})
		},
	}
}
