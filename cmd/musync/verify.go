package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jsarlin/musync/internal/state"
)

var verifyCmd = &cobra.Command{
	Use:   "verify DEST",
	Short: "Check destination artifacts against sync state",
	Long: `Verify that every track recorded in DEST's sync state is actually
present in DEST, and list files in DEST that the state knows nothing
about.

Problems found:
  missing - the state records a track but its file is gone
  empty   - the file exists but has no content (interrupted write)

Untracked files are reported but are not an error; musync never touches
files it did not create.

Exits non-zero when any track is missing or empty. Broken tracks are
rebuilt automatically by the next 'musync sync' run, as long as their
source content is still in the library.`,
	Args: cobra.ExactArgs(1),
	Run:  runVerify,
}

func init() {
	verifyCmd.Flags().String("format", "text", "Output format: text, json, or yaml")
	rootCmd.AddCommand(verifyCmd)
}

type verifyReport struct {
	Checked   int      `json:"checked" yaml:"checked"`
	Missing   []string `json:"missing,omitempty" yaml:"missing,omitempty"`
	Empty     []string `json:"empty,omitempty" yaml:"empty,omitempty"`
	Untracked []string `json:"untracked,omitempty" yaml:"untracked,omitempty"`
	OK        bool     `json:"ok" yaml:"ok"`
}

func runVerify(cmd *cobra.Command, args []string) {
	format, _ := cmd.Flags().GetString("format")

	dest, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid destination path: %v\n", err)
		os.Exit(1)
	}
	dbPath := state.DBPath(dest)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: sync state not initialized for %s\n", dest)
		fmt.Fprintf(os.Stderr, "Run 'musync sync SOURCE %s' first\n", dest)
		os.Exit(1)
	}

	store, err := state.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening sync state: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	if store.Recovered() {
		fmt.Fprintf(os.Stderr, "Warning: sync state was corrupt and has been rebuilt\n")
	}

	report := verifyReport{Checked: store.Len()}
	tracked := make(map[string]struct{}, store.Len())

	for _, e := range store.Entries() {
		tracked[e.DestName] = struct{}{}
		info, err := os.Stat(filepath.Join(dest, e.DestName))
		switch {
		case err != nil:
			report.Missing = append(report.Missing, e.DestName)
		case info.Size() == 0:
			report.Empty = append(report.Empty, e.DestName)
		}
	}

	dirents, err := os.ReadDir(dest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading destination: %v\n", err)
		os.Exit(1)
	}
	for _, d := range dirents {
		name := d.Name()
		if name == state.StateDirName {
			continue
		}
		if _, ok := tracked[name]; !ok {
			report.Untracked = append(report.Untracked, name)
		}
	}
	sort.Strings(report.Untracked)

	report.OK = len(report.Missing) == 0 && len(report.Empty) == 0

	if printStructured(format, report) {
		if !report.OK {
			os.Exit(1)
		}
		return
	}

	if report.OK {
		fmt.Printf("Verified %d tracks: all present\n", report.Checked)
	} else {
		fmt.Printf("Verified %d tracks: %d problems\n", report.Checked, len(report.Missing)+len(report.Empty))
		for _, name := range report.Missing {
			fmt.Printf("  missing: %s\n", name)
		}
		for _, name := range report.Empty {
			fmt.Printf("  empty: %s\n", name)
		}
	}
	if n := len(report.Untracked); n > 0 {
		fmt.Printf("Untracked files: %d\n", n)
		for _, name := range report.Untracked {
			fmt.Printf("  %s\n", name)
		}
	}
	if !report.OK {
		os.Exit(1)
	}
}
