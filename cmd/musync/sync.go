package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jsarlin/musync/internal/config"
	"github.com/jsarlin/musync/internal/encode"
	"github.com/jsarlin/musync/internal/musync"
	"github.com/jsarlin/musync/internal/runner"
	"github.com/jsarlin/musync/internal/state"
	"github.com/jsarlin/musync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync SOURCE DEST",
	Short: "Sync a music library into a flat MP3 directory",
	Long: `Sync the SOURCE tree into the flat DEST directory.

Each run:
  1. Scans SOURCE for audio files and fingerprints their content
  2. Compares fingerprints against DEST's sync state (.musync/state.db)
  3. Converts new lossless files to MP3, copies new MP3s as-is
  4. Relinks renamed or moved files without touching their artifacts
  5. With --prune, deletes artifacts whose content left the source

Runs are incremental and safe to interrupt: unchanged files are skipped,
a killed run picks up where it left off, and state is only recorded
after the artifact it describes is fully on disk.

Examples:
  # First sync (and every sync after) is the same command
  musync sync ~/Music /mnt/player

  # Preview without writing anything
  musync sync ~/Music /mnt/player --dry-run

  # VBR encoding, and drop tracks deleted from the library
  musync sync ~/Music /mnt/player --preset v0 --prune`,
	Args: cobra.ExactArgs(2),
	Run:  runSync,
}

func init() {
	syncCmd.Flags().IntP("jobs", "j", runner.DefaultJobs, "Max concurrent file operations")
	syncCmd.Flags().String("preset", "", "Encoder preset: cbr256, cbr320, v0, or one from presets.toml")
	syncCmd.Flags().Int("bitrate", 0, "Override the preset bitrate in kbps")
	syncCmd.Flags().String("fingerprint", "", "Fingerprint strategy: full or partial")
	syncCmd.Flags().Bool("prune", false, "Delete destination files whose source content is gone")
	syncCmd.Flags().BoolP("yes", "y", false, "Assume yes for confirmation prompts")
	syncCmd.Flags().BoolP("dry-run", "n", false, "Plan and report without writing anything")
	syncCmd.Flags().StringSlice("exclude", nil, "Source subtrees to skip (repeatable)")
	syncCmd.Flags().StringSlice("convert-exts", nil, "Extensions to convert (default: aiff,flac,m4a,mod,ogg,xm)")
	syncCmd.Flags().StringSlice("passthrough-exts", nil, "Extensions to copy unchanged (default: mp3)")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

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
		fmt.Fprintf(os.Stderr, "Warning: sync state was corrupt and has been rebuilt; this run re-fingerprints everything\n")
	}

	printer := ui.NewPrinter(os.Stdout, ui.Options{
		NoColor: cfg.NoColor || !ui.IsTerminal(os.Stdout),
		Quiet:   cfg.Quiet,
		Verbose: cfg.Verbose,
	})

	opts := engineOptions(cfg, source, dest, preset)
	opts.Progress = printer.Action
	// Prompt only on a TTY. Non-interactive prune runs proceed: passing
	// --prune was the opt-in.
	if !cfg.Yes && ui.IsTerminal(os.Stdin) {
		opts.ConfirmPrune = func(count int) bool {
			ok, err := ui.ConfirmPrune(count)
			return err == nil && ok
		}
	}

	engine, err := musync.New(store, enc, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sum, runErr := engine.Run(ctx)
	if sum != nil {
		printer.Summary(sum)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
	if !sum.OK() {
		os.Exit(1)
	}
}

// resolveRoots turns the positional SOURCE and DEST arguments into
// absolute paths and verifies the source exists.
func resolveRoots(srcArg, destArg string) (source, dest string) {
	source, err := filepath.Abs(srcArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid source path: %v\n", err)
		os.Exit(1)
	}
	dest, err = filepath.Abs(destArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid destination path: %v\n", err)
		os.Exit(1)
	}

	info, err := os.Stat(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: source %s: %v\n", source, err)
		os.Exit(1)
	}
	if !info.IsDir() {
		fmt.Fprintf(os.Stderr, "Error: source %s is not a directory\n", source)
		os.Exit(1)
	}
	if source == dest {
		fmt.Fprintf(os.Stderr, "Error: source and destination are the same directory\n")
		os.Exit(1)
	}
	return source, dest
}

// newEncoder locates ffmpeg. Dry runs never invoke it, so a missing
// binary only fails runs that would actually encode.
func newEncoder(cfg *config.Config) encode.Encoder {
	if cfg.DryRun {
		return encode.NewFFmpegPath("ffmpeg")
	}
	enc, err := encode.NewFFmpeg()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Install ffmpeg and make sure it is on your PATH\n")
		os.Exit(1)
	}
	return enc
}

// engineOptions assembles the shared engine configuration for sync and
// watch. The destination is always excluded from the scan so a
// destination nested inside the source cannot feed back into itself.
func engineOptions(cfg *config.Config, source, dest string, preset encode.Preset) musync.Options {
	exclude := make([]string, 0, len(cfg.Exclude)+1)
	for _, e := range cfg.Exclude {
		abs, err := filepath.Abs(e)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid exclude path %q: %v\n", e, err)
			os.Exit(1)
		}
		exclude = append(exclude, abs)
	}
	exclude = append(exclude, dest)

	return musync.Options{
		SourceRoot:      source,
		DestRoot:        dest,
		Jobs:            cfg.Jobs,
		Strategy:        cfg.Strategy,
		Preset:          preset,
		Prune:           cfg.Prune,
		DryRun:          cfg.DryRun,
		ConvertExts:     cfg.ConvertExts,
		PassthroughExts: cfg.PassthroughExts,
		Exclude:         exclude,
		Logger:          newEngineLogger(cfg),
	}
}
