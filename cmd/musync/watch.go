package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jsarlin/musync/internal/config"
	"github.com/jsarlin/musync/internal/musync"
	"github.com/jsarlin/musync/internal/runner"
	"github.com/jsarlin/musync/internal/scan"
	"github.com/jsarlin/musync/internal/state"
	"github.com/jsarlin/musync/internal/ui"
	"github.com/jsarlin/musync/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch SOURCE DEST",
	Short: "Continuously sync as the source library changes",
	Long: `Watch SOURCE for changes and keep DEST in sync.

An initial full sync runs at startup. After that the watcher:
  1. Monitors the source tree for file changes (fsnotify)
  2. Waits for activity to settle (--debounce) so rips and mass
     tag edits batch into a single run
  3. Re-runs the same incremental sync that 'musync sync' performs

Only audio file events trigger a run; editing cover art or playlists
does not. Diagnostics also go to a rotated log file, by default
.musync/musync.log inside the destination.

With --prune, stale artifacts are removed on every run without
prompting; the flag itself is the opt-in.

Example:
  musync watch ~/Music /mnt/player --debounce 5s`,
	Args: cobra.ExactArgs(2),
	Run:  runWatch,
}

func init() {
	watchCmd.Flags().IntP("jobs", "j", runner.DefaultJobs, "Max concurrent file operations")
	watchCmd.Flags().String("preset", "", "Encoder preset: cbr256, cbr320, v0, or one from presets.toml")
	watchCmd.Flags().Int("bitrate", 0, "Override the preset bitrate in kbps")
	watchCmd.Flags().String("fingerprint", "", "Fingerprint strategy: full or partial")
	watchCmd.Flags().Bool("prune", false, "Delete destination files whose source content is gone")
	watchCmd.Flags().StringSlice("exclude", nil, "Source subtrees to skip (repeatable)")
	watchCmd.Flags().StringSlice("convert-exts", nil, "Extensions to convert (default: aiff,flac,m4a,mod,ogg,xm)")
	watchCmd.Flags().StringSlice("passthrough-exts", nil, "Extensions to copy unchanged (default: mp3)")
	watchCmd.Flags().Duration("debounce", 2*time.Second, "Quiet period before a changed source triggers a run")
	watchCmd.Flags().Duration("settle", 500*time.Millisecond, "How often the quiet period is checked")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	if cfg.DryRun {
		fmt.Fprintf(os.Stderr, "Error: watch mode cannot dry-run\n")
		os.Exit(1)
	}

	source, dest := resolveRoots(args[0], args[1])

	preset, err := cfg.ResolvePreset()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	enc := newEncoder(cfg)

	store, err := state.Open(state.DBPath(dest))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening sync state: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	if store.Recovered() {
		fmt.Fprintf(os.Stderr, "Warning: sync state was corrupt and has been rebuilt; the first run re-fingerprints everything\n")
	}

	// Watch runs unattended, so diagnostics go to stderr and a log file.
	logPath := cfg.LogFile
	if logPath == "" {
		logPath = filepath.Join(state.StateDir(dest), "musync.log")
	}
	diag := io.MultiWriter(os.Stderr, rotatedLog(logPath))

	printer := ui.NewPrinter(os.Stdout, ui.Options{
		NoColor: cfg.NoColor || !ui.IsTerminal(os.Stdout),
		Quiet:   cfg.Quiet,
		Verbose: cfg.Verbose,
	})

	opts := engineOptions(cfg, source, dest, preset)
	opts.Progress = printer.Action
	opts.Logger = log.New(diag, "[musync] ", log.LstdFlags)

	engine, err := musync.New(store, enc, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	wcfg := watch.DefaultConfig()
	wcfg.Debounce = cfg.Debounce
	wcfg.Settle = cfg.Settle
	wcfg.Exts = watchedExts(cfg)
	wcfg.Ignore = []string{dest}
	wcfg.Logger = log.New(diag, "[watch] ", log.LstdFlags)

	w, err := watch.New(engine, source, wcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Watching %s -> %s (debounce %s)\n", source, dest, cfg.Debounce)
	fmt.Println("Press Ctrl+C to stop")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: watcher stopped: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nStopped")
}

// watchedExts mirrors the scanner's effective extension sets so the
// watcher reacts to exactly the files a run would pick up.
func watchedExts(cfg *config.Config) []string {
	convert := cfg.ConvertExts
	if len(convert) == 0 {
		convert = scan.DefaultConvertExts
	}
	passthrough := cfg.PassthroughExts
	if len(passthrough) == 0 {
		passthrough = scan.DefaultPassthroughExts
	}
	exts := make([]string, 0, len(convert)+len(passthrough))
	exts = append(exts, convert...)
	exts = append(exts, passthrough...)
	return exts
}
