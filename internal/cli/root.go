// Package cli implements the blackholefs command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ajaxzhan/blackholefs/internal/config"
	"github.com/ajaxzhan/blackholefs/internal/engine"
	"github.com/ajaxzhan/blackholefs/internal/fs"
	"github.com/ajaxzhan/blackholefs/internal/logging"
)

// Execute runs the root command.
func Execute(version string) error {
	return NewRootCommand(version).Execute()
}

// NewRootCommand builds the blackholefs command.
func NewRootCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blackholefs [flags] [<source-dir> <mount-point>]",
		Short: "Mirror a directory tree and discard everything written to it",
		Long: `Mounts a FUSE filesystem at <mount-point> that mirrors <source-dir>.

Directories, permissions, ownership, timestamps, symlinks and extended
attributes are those of <source-dir>. Regular-file writes are accepted and
thrown away: files grow to the size that was written but the backing files
stay sparse, and reads return zeroes.

Examples:
  blackholefs /srv/backing /mnt/sink
  blackholefs --config /etc/blackholefs.yaml
  blackholefs --serialize-paths --log-level debug ./backing ./mnt`,
		Version:       version,
		Args:          validateArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := cmd.Flags()
	flags.String("config", "", "Path to configuration file (YAML)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flags.String("log-format", "", "Log format: text, json (overrides config)")
	flags.String("fs-name", "", "Filesystem name shown in the mount table (overrides config)")
	flags.Bool("allow-other", false, "Allow other users to access the mount (overrides config)")
	flags.Bool("debug", false, "Log every FUSE request (overrides config)")
	flags.Bool("direct-io", true, "Bypass the kernel page cache for file content (overrides config)")
	flags.Bool("serialize-paths", false, "Serialize content operations per backing file (overrides config)")
	flags.Duration("stats-interval", 0, "Log write statistics at this interval, 0 disables (overrides config)")

	return cmd
}

func validateArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 0 && len(args) != 2 {
		return fmt.Errorf("expected <source-dir> <mount-point> or no arguments, got %d arguments", len(args))
	}
	return nil
}

// resolveConfig loads the config file and applies positional arguments and
// any flags the user set explicitly.
func resolveConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if len(args) == 2 {
		cfg.Mount.SourceDir = args[0]
		cfg.Mount.MountPoint = args[1]
	}

	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("fs-name") {
		cfg.Mount.FsName, _ = flags.GetString("fs-name")
	}
	if flags.Changed("allow-other") {
		cfg.Mount.AllowOther, _ = flags.GetBool("allow-other")
	}
	if flags.Changed("debug") {
		cfg.Mount.Debug, _ = flags.GetBool("debug")
	}
	if flags.Changed("direct-io") {
		cfg.Mount.DirectIO, _ = flags.GetBool("direct-io")
	}
	if flags.Changed("serialize-paths") {
		cfg.Engine.SerializePaths, _ = flags.GetBool("serialize-paths")
	}
	if flags.Changed("stats-interval") {
		interval, _ := flags.GetDuration("stats-interval")
		cfg.Engine.StatsInterval = interval.String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, args)
	if err != nil {
		return err
	}

	if err := logging.Init(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	eng := engine.New(engine.Options{
		SerializePaths: cfg.Engine.SerializePaths,
		Logger:         logging.Named("engine"),
	})

	bfs, err := fs.NewBlackholeFS(&fs.BlackholeFSConfig{
		SourceDir:       cfg.Mount.SourceDir,
		MountPoint:      cfg.Mount.MountPoint,
		FsName:          cfg.Mount.FsName,
		AllowOther:      cfg.Mount.AllowOther,
		Debug:           cfg.Mount.Debug,
		DirectIO:        cfg.Mount.DirectIO,
		EntryTimeout:    cfg.Mount.GetEntryTimeout(),
		AttrTimeout:     cfg.Mount.GetAttrTimeout(),
		NegativeTimeout: cfg.Mount.GetNegativeTimeout(),
		LockPath:        cfg.Session.LockPath,
	}, eng)
	if err != nil {
		return fmt.Errorf("failed to create filesystem: %w", err)
	}

	logging.Info("Starting blackholefs...",
		logging.String("source_dir", cfg.Mount.SourceDir),
		logging.String("mount_point", cfg.Mount.MountPoint),
		logging.Bool("serialize_paths", cfg.Engine.SerializePaths),
		logging.Bool("direct_io", cfg.Mount.DirectIO),
	)
	logging.Debug("mount options",
		logging.String("fs_name", cfg.Mount.FsName),
		logging.Bool("allow_other", cfg.Mount.AllowOther),
		logging.Int64("entry_timeout_ms", cfg.Mount.GetEntryTimeout().Milliseconds()),
		logging.Int64("attr_timeout_ms", cfg.Mount.GetAttrTimeout().Milliseconds()),
		logging.Int64("stats_interval_ms", cfg.Engine.GetStatsInterval().Milliseconds()),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := bfs.Mount(ctx)
		if errors.Is(err, context.Canceled) {
			logging.Info("Shutting down blackholefs...")
			return nil
		}
		if err != nil {
			logging.Error("mount failed", logging.Err(err))
			return err
		}
		logging.Warn("filesystem unmounted from outside, shutting down")
		stop()
		return nil
	})
	if interval := cfg.Engine.GetStatsInterval(); interval > 0 {
		g.Go(func() error {
			reportStats(ctx, bfs, interval)
			return nil
		})
	}

	return g.Wait()
}

// reportStats logs engine counters every interval until ctx is done.
func reportStats(ctx context.Context, bfs *fs.BlackholeFS, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := bfs.Stats()
			logging.Info("write statistics",
				logging.Uint64("writes", stats.Writes),
				logging.Uint64("bytes_discarded", stats.Accepted),
				logging.Uint64("extensions", stats.Extensions),
				logging.Uint64("truncates", stats.Truncates),
			)
		}
	}
}
