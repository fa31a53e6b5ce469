package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jsarlin/musync/internal/config"
)

// Set via -ldflags "-X main.version=..." at release time.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "musync",
	Short: "Incremental music library sync with on-the-fly MP3 conversion",
	Long: `musync mirrors a nested music library into a single flat directory,
converting lossless sources to MP3 and copying files that are already MP3.

Files are tracked by content fingerprint, not by path: renaming an album
or re-tagging a directory does not trigger re-encoding, and a track that
appears in two places lands in the destination exactly once. Sync state
lives in .musync/state.db inside the destination.

Typical usage:
  musync sync ~/Music /mnt/player          # one-shot sync
  musync sync ~/Music /mnt/player --prune  # also delete stale files
  musync watch ~/Music /mnt/player         # keep syncing as files change
  musync status /mnt/player                # inspect sync state`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: config.yaml in the user config dir)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show per-stage diagnostics")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Only report failures and the final summary")
	rootCmd.PersistentFlags().String("log-file", "", "Append diagnostics to this file (rotated)")
}

// loadConfig resolves file, environment, and flag settings for a command.
// Inherited flags are merged in so persistent flags like --quiet bind too.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfgFile, _ := cmd.Flags().GetString("config")

	merged := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	merged.AddFlagSet(cmd.Flags())
	merged.AddFlagSet(cmd.InheritedFlags())

	cfg, err := config.Load(cfgFile, merged)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// diagnosticWriter builds the destination for engine stage logs:
// stderr when verbose, the rotated log file when configured, both when
// both are asked for, and a discard writer otherwise.
func diagnosticWriter(cfg *config.Config) io.Writer {
	var parts []io.Writer
	if cfg.Verbose {
		parts = append(parts, os.Stderr)
	}
	if cfg.LogFile != "" {
		parts = append(parts, rotatedLog(cfg.LogFile))
	}
	switch len(parts) {
	case 0:
		return io.Discard
	case 1:
		return parts[0]
	default:
		return io.MultiWriter(parts...)
	}
}

func rotatedLog(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
}

func newEngineLogger(cfg *config.Config) *log.Logger {
	return log.New(diagnosticWriter(cfg), "[musync] ", log.LstdFlags)
}
