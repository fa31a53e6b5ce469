package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/jsarlin/musync/internal/state"
	"github.com/jsarlin/musync/internal/ui"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and manage the sync state database",
	Long: `Manage the sync state stored in DEST/.musync/state.db.

The state maps content fingerprints to destination filenames. It can be
exported for backup, imported into a fresh destination (after copying
the files themselves), or reset to force a full re-sync.`,
}

var stateExportCmd = &cobra.Command{
	Use:   "export DEST",
	Short: "Dump sync state as JSON lines",
	Long: `Write every state entry to stdout as one JSON object per line.

Use --output to write to a file instead; a name ending in .gz is
gzip-compressed, and --gzip compresses the stdout stream. Pair with
'musync state import' to move a destination to a new disk without
re-encoding anything.

Examples:
  musync state export /mnt/player > state.jsonl
  musync state export /mnt/player --gzip > state.jsonl.gz
  musync state export /mnt/player -o backup/state.jsonl.gz`,
	Args: cobra.ExactArgs(1),
	Run:  runStateExport,
}

var stateImportCmd = &cobra.Command{
	Use:   "import DEST [FILE]",
	Short: "Load sync state from a previous export",
	Long: `Import state entries from FILE (or stdin) into DEST's sync state.

The destination state must be empty unless --merge is given, in which
case imported entries replace existing ones with the same fingerprint.
A FILE ending in .gz is decompressed; stdin must be uncompressed.

Importing state does not move any music. Copy the destination files
first, then import the state that describes them:
  rsync -a /mnt/old/ /mnt/new/ --exclude .musync
  musync state export /mnt/old | musync state import /mnt/new`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runStateImport,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset DEST",
	Short: "Delete the sync state database",
	Long: `Delete DEST/.musync/state.db, forcing the next sync to start from
scratch.

Destination files are untouched. The next run re-fingerprints every
source file and re-encodes whatever it cannot match to an existing
artifact, so this is a last resort for a state database that verify
shows is beyond repair.`,
	Args: cobra.ExactArgs(1),
	Run:  runStateReset,
}

func init() {
	stateExportCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout (.gz compresses)")
	stateExportCmd.Flags().Bool("gzip", false, "Gzip-compress the stdout stream")
	stateImportCmd.Flags().Bool("merge", false, "Allow importing into a non-empty state")
	stateResetCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	stateCmd.AddCommand(stateExportCmd)
	stateCmd.AddCommand(stateImportCmd)
	stateCmd.AddCommand(stateResetCmd)
	rootCmd.AddCommand(stateCmd)
}

func runStateExport(cmd *cobra.Command, args []string) {
	output, _ := cmd.Flags().GetString("output")
	compress, _ := cmd.Flags().GetBool("gzip")

	store := openExistingState(args[0])
	defer store.Close()
	entries := store.Entries()

	if output != "" {
		if err := state.ExportFile(output, entries); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Exported %d entries to %s\n", len(entries), output)
		return
	}

	var w io.Writer = os.Stdout
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(os.Stdout)
		w = gz
	}
	if err := state.Export(w, entries); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to finish gzip stream: %v\n", err)
			os.Exit(1)
		}
	}
}

func runStateImport(cmd *cobra.Command, args []string) {
	merge, _ := cmd.Flags().GetBool("merge")

	dest, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid destination path: %v\n", err)
		os.Exit(1)
	}

	var entries []state.Entry
	if len(args) == 2 {
		entries, err = state.ImportFile(args[1])
	} else {
		entries, err = state.Import(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	store, err := state.Open(state.DBPath(dest))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening sync state: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if store.Len() > 0 && !merge {
		fmt.Fprintf(os.Stderr, "Error: destination state already has %d entries; pass --merge to import into it\n", store.Len())
		os.Exit(1)
	}

	ctx := context.Background()
	failed := 0
	for _, e := range entries {
		if err := store.Commit(ctx, e); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to import %s: %v\n", e.DestName, err)
			failed++
		}
	}
	if err := store.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Imported %d entries\n", len(entries)-failed)
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "Error: %d entries failed to import\n", failed)
		os.Exit(1)
	}
}

func runStateReset(cmd *cobra.Command, args []string) {
	yes, _ := cmd.Flags().GetBool("yes")

	dest, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid destination path: %v\n", err)
		os.Exit(1)
	}
	dbPath := state.DBPath(dest)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Printf("Nothing to reset: no sync state at %s\n", dbPath)
		return
	}

	if !yes {
		if !ui.IsTerminal(os.Stdin) {
			fmt.Fprintf(os.Stderr, "Error: refusing to reset without --yes in a non-interactive session\n")
			os.Exit(1)
		}
		ok, err := ui.ConfirmReset(dbPath)
		if err != nil || !ok {
			fmt.Println("Reset cancelled")
			return
		}
	}

	if err := state.Reset(dest); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Sync state reset. The next run re-fingerprints every source file.")
}

// openExistingState opens DEST's state database, refusing to create one
// as a side effect.
func openExistingState(destArg string) *state.SQLite {
	dest, err := filepath.Abs(destArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid destination path: %v\n", err)
		os.Exit(1)
	}
	dbPath := state.DBPath(dest)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: sync state not initialized for %s\n", dest)
		os.Exit(1)
	}

	store, err := state.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening sync state: %v\n", err)
		os.Exit(1)
	}
	return store
}
