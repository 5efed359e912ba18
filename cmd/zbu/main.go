package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rowjay/zfs-backup-utility/internal/app"
	"github.com/rowjay/zfs-backup-utility/internal/chain"
	"github.com/rowjay/zfs-backup-utility/internal/compress"
	"github.com/rowjay/zfs-backup-utility/internal/config"
	"github.com/rowjay/zfs-backup-utility/internal/cryptoutil"
	"github.com/rowjay/zfs-backup-utility/internal/logging"
	"github.com/rowjay/zfs-backup-utility/internal/notify"
	"github.com/rowjay/zfs-backup-utility/internal/snapshot"
	"github.com/rowjay/zfs-backup-utility/internal/storage"
	"github.com/rowjay/zfs-backup-utility/internal/version"
	"github.com/rowjay/zfs-backup-utility/internal/zfs"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	Dataset       string
	Compressor    string
	Storage       string
	LocalPath     string
	S3Endpoint    string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	S3UseSSL      string
	S3PathStyle   string
	EncryptionKey string
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}
	compressors := compress.Standard()

	rootCmd := &cobra.Command{
		Use:          "zbu",
		Short:        "ZFS snapshot backup and restore to remote storage",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (ini/yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.Dataset, "dataset", "", "ZFS dataset to operate on")
	rootCmd.PersistentFlags().StringVar(&overrides.Compressor, "compressor", "", "Compressor ("+strings.Join(compressors.Names(), ", ")+")")
	rootCmd.PersistentFlags().StringVar(&overrides.Storage, "storage", "", "Storage backend (rclone, s3, local)")
	rootCmd.PersistentFlags().StringVar(&overrides.LocalPath, "storage-path", "", "Local storage path")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Endpoint, "s3-endpoint", "", "S3 endpoint (MinIO/OSS)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Bucket, "s3-bucket", "", "S3 bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.S3AccessKey, "s3-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Region, "s3-region", "", "S3 region")
	rootCmd.PersistentFlags().StringVar(&overrides.S3UseSSL, "s3-ssl", "", "Use SSL for S3 endpoint (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3PathStyle, "s3-path-style", "", "Force path-style S3 (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.EncryptionKey, "encryption-key", "", "Encryption key (base64 or hex); enables stream encryption")

	rootCmd.AddCommand(newBackupCmd(root, overrides, compressors))
	rootCmd.AddCommand(newRestoreCmd(root, overrides, compressors))
	rootCmd.AddCommand(newValidateCmd(root, overrides, compressors))
	rootCmd.AddCommand(newListCmd(root, overrides, compressors))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newBackupCmd(root *rootFlags, overrides *overrideFlags, compressors *compress.Registry) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the dataset and upload a full or incremental stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, appSvc, err := setup(root, overrides, compressors)
			if err != nil {
				return err
			}
			ctx, cancel := operationContext(cfg)
			defer cancel()

			res, err := appSvc.Backup(ctx, app.BackupOptions{ForceFull: full})
			if err != nil {
				return err
			}
			logger.Info().
				Str("snapshot", res.Snapshot).
				Str("type", string(res.Type)).
				Str("destination", res.Location).
				Str("size", humanize.IBytes(uint64(res.Bytes))).
				Int("pruned", len(res.Prune.Destroyed)).
				Msg("backup completed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Force a full backup even when an earlier snapshot exists")
	return cmd
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags, compressors *compress.Registry) *cobra.Command {
	var target string
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replay the latest backup chain into a dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target-dataset is required")
			}
			cfg, logger, appSvc, err := setup(root, overrides, compressors)
			if err != nil {
				return err
			}
			ctx, cancel := operationContext(cfg)
			defer cancel()

			plan, err := appSvc.Plan(ctx)
			if err != nil {
				return err
			}
			if plan.Empty() {
				return fmt.Errorf("%w for %s", app.ErrNoChain, snapshot.SelectorPrefix(cfg.ZFS.Dataset, cfg.ZFS.SnapshotPrefix))
			}
			printChain(cmd.OutOrStdout(), appSvc.Storage, plan)

			if !yes {
				ok, err := confirmRestore(cmd.InOrStdin(), cmd.ErrOrStderr(), target)
				if err != nil {
					return err
				}
				if !ok {
					// Declining is a normal outcome, not a failure.
					fmt.Fprintln(cmd.ErrOrStderr(), "Restore cancelled.")
					logger.Info().Str("target", target).Msg("restore cancelled by user")
					return nil
				}
			}

			if err := appSvc.Restore(ctx, plan, target); err != nil {
				return err
			}
			logger.Info().Str("target", target).Str("snapshot", plan.Records()[len(plan.Records())-1].Snapshot).Msg("restore completed")
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target-dataset", "", "Dataset to receive the restored streams (rolled back if needed)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func newValidateCmd(root *rootFlags, overrides *overrideFlags, compressors *compress.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, tools and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, appSvc, err := setup(root, overrides, compressors)
			if err != nil {
				return err
			}
			ctx, cancel := operationContext(cfg)
			defer cancel()
			if err := appSvc.Validate(ctx); err != nil {
				return err
			}
			logger.Info().Msg("validation succeeded")
			return nil
		},
	}
}

func newListCmd(root *rootFlags, overrides *overrideFlags, compressors *compress.Registry) *cobra.Command {
	var snapshots bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the backup chain a restore would replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, appSvc, err := setup(root, overrides, compressors)
			if err != nil {
				return err
			}
			ctx, cancel := operationContext(cfg)
			defer cancel()

			if snapshots {
				names, err := appSvc.Snapshots.List(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}

			plan, err := appSvc.Plan(ctx)
			if err != nil {
				return err
			}
			if plan.Empty() {
				fmt.Fprintln(os.Stderr, "no full backup found")
				return nil
			}
			printChain(cmd.OutOrStdout(), appSvc.Storage, plan)
			return nil
		},
	}
	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "List local snapshots managed for the dataset instead")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file (must end in .enc)")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random key for config or backup encryption",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cryptoutil.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}

	cmd.AddCommand(encrypt, keygen)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
}

func setup(root *rootFlags, overrides *overrideFlags, compressors *compress.Registry) (*config.Config, zerolog.Logger, *app.App, error) {
	cfg, err := loadConfig(root, overrides)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
	if err := cfg.Validate(); err != nil {
		return nil, logger, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	store, err := storage.New(cfg, os.Stderr)
	if err != nil {
		return nil, logger, nil, err
	}
	volume := zfs.New(cfg.ZFS.Binary, os.Stderr)
	appSvc := app.New(cfg, volume, store, compressors, logger, notify.FromConfig(cfg.Notifications))
	appSvc.Progress = os.Stderr
	return cfg, logger, appSvc, nil
}

// operationContext is cancelled by SIGINT, SIGTERM or the configured timeout.
func operationContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if cfg.Global.OperationTimeout <= 0 {
		return ctx, stop
	}
	timed, cancel := context.WithTimeout(ctx, cfg.Global.OperationTimeout)
	return timed, func() {
		cancel()
		stop()
	}
}

func printChain(w io.Writer, store storage.Storage, plan chain.Chain) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTYPE\tSNAPSHOT\tSIZE\tLOCATION")
	for i, rec := range plan.Records() {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, rec.Type, rec.Snapshot, humanize.IBytes(uint64(rec.Size)), store.Location(rec.Path))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "total %s in %d backup(s)\n", humanize.IBytes(uint64(plan.TotalSize())), len(plan.Records()))
	if len(plan.Duplicates) > 0 {
		fmt.Fprintf(w, "warning: %d timestamp(s) are shared by more than one backup object\n", len(plan.Duplicates))
	}
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.Dataset != "" {
		cfg.ZFS.Dataset = overrides.Dataset
	}
	if overrides.Compressor != "" {
		cfg.Compression.Compressor = overrides.Compressor
	}

	if overrides.Storage != "" {
		cfg.Storage.Backend = overrides.Storage
	}
	if overrides.LocalPath != "" {
		cfg.Storage.Local.Path = overrides.LocalPath
	}
	if overrides.S3Endpoint != "" {
		cfg.Storage.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Storage.S3.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Storage.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Storage.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.S3Region != "" {
		cfg.Storage.S3.Region = overrides.S3Region
	}
	if overrides.S3UseSSL != "" {
		cfg.Storage.S3.UseSSL = parseBool(overrides.S3UseSSL)
	}
	if overrides.S3PathStyle != "" {
		cfg.Storage.S3.ForcePathStyle = parseBool(overrides.S3PathStyle)
	}

	if overrides.EncryptionKey != "" {
		cfg.Encryption.Enabled = true
		cfg.Encryption.Key = overrides.EncryptionKey
	}

	cfg.Compression.Compressor = strings.ToLower(cfg.Compression.Compressor)
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
