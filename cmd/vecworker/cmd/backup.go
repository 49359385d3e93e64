package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vecworker"
	"github.com/hupe1980/vecworker/blobstore/minio"
	"github.com/hupe1980/vecworker/internal/config"
)

type backupFlags struct {
	local         string
	s3Bucket      string
	s3Prefix      string
	minioEndpoint string
	minioBucket   string
}

func (f *backupFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.local, "local", "", "Back up into a local directory")
	cmd.Flags().StringVar(&f.s3Bucket, "s3-bucket", "", "Back up into an S3 bucket")
	cmd.Flags().StringVar(&f.s3Prefix, "s3-prefix", "", "Key prefix inside the S3 bucket")
	cmd.Flags().StringVar(&f.minioEndpoint, "minio-endpoint", "", "Back up into a MinIO server")
	cmd.Flags().StringVar(&f.minioBucket, "minio-bucket", "vecworker", "MinIO bucket")
	cmd.MarkFlagsMutuallyExclusive("local", "s3-bucket", "minio-endpoint")
}

// apply lets flags override the target from the config file.
func (f *backupFlags) apply(cfg *config.Config) {
	switch {
	case f.local != "":
		cfg.Backup = config.BackupConfig{Local: f.local}
	case f.s3Bucket != "":
		cfg.Backup = config.BackupConfig{S3: &config.S3Config{Bucket: f.s3Bucket, Prefix: f.s3Prefix}}
	case f.minioEndpoint != "":
		cfg.Backup = config.BackupConfig{MinIO: &minio.Config{Endpoint: f.minioEndpoint, Bucket: f.minioBucket}}
	}
}

func newBackupCmd(g *globalFlags) *cobra.Command {
	f := &backupFlags{}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy every index into a blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			f.apply(cfg)
			store, err := cfg.BackupStore(cmd.Context())
			if err != nil {
				return err
			}
			return g.withWorker(func(w *vecworker.Worker) error {
				if err := w.Backup(cmd.Context(), store); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backed up %d indexes\n", w.Len())
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newRestoreCmd(g *globalFlags) *cobra.Command {
	f := &backupFlags{}

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup into the (new) worker directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			f.apply(cfg)
			store, err := cfg.BackupStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := vecworker.Restore(cmd.Context(), store, cfg.Dir, cfg.WorkerOptions()...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored worker into %s\n", cfg.Dir)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
