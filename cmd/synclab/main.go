// Command synclab runs the concurrency laboratory experiments.
//
// Usage:
//
//	synclab run --workers 10 --iterations 10000 --strategy coarse_lock
//	synclab sweep --strategy thread_local_aggregate --levels 2,4,8,16,32
//	synclab cancel --workers 4 --timeout 50ms --poll 5ms
//	synclab reuse --units 100 --contexts 4
//	synclab torn --reads 1000000 --variant plain
//	synclab stale --variant atomic --timeout 1s
//	synclab starve --steps 20 --burst 8
//
// Every flag can also be set through a SYNCLAB_* environment variable
// (SYNCLAB_WORKERS, SYNCLAB_LOG_LEVEL, ...) or a YAML file passed with
// --config. Flags win over the environment, the environment over the file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// errFailed marks a run that completed but must exit non-zero. The details
// were already logged.
var errFailed = errors.New("experiment failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := viper.New()
	err := newRootCommand(v).ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errFailed) {
			slog.Error("synclab", "err", err)
		}
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "synclab",
		Short:         "Concurrency primitives laboratory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(v, cmd); err != nil {
				return err
			}
			return setupLogging(v.GetString("log-level"), cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().String("config", "", "YAML config file")
	root.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().String("format", "text", "output format: text or yaml")

	root.AddCommand(
		newRunCommand(v),
		newSweepCommand(v),
		newCancelCommand(v),
		newReuseCommand(v),
		newTornCommand(v),
		newStaleCommand(v),
		newStarveCommand(v),
	)
	return root
}

// loadConfig layers the --config file, SYNCLAB_* environment and the flags of
// the command being run.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix("SYNCLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		slog.Debug("config loaded", "file", v.ConfigFileUsed())
	}
	return nil
}

func setupLogging(level string, w io.Writer) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: "15:04:05",
		}),
	))
	return nil
}

// render writes value as YAML, or calls text for the human-readable form.
func render(v *viper.Viper, w io.Writer, value any, text func(io.Writer)) error {
	switch format := v.GetString("format"); format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(value); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		text(w)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text or yaml)", format)
	}
}
