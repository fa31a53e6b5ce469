package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jsarlin/musync/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status DEST",
	Short: "Show sync state for a destination",
	Long: `Display the sync state stored in DEST/.musync/state.db.

Shows where the state lives, how many tracks it knows about, how they
got there (converted vs copied), and when the last sync finished.

Use --format json or --format yaml for machine-readable output.`,
	Args: cobra.ExactArgs(1),
	Run:  runStatus,
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text, json, or yaml")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Initialized bool   `json:"initialized" yaml:"initialized"`
	Location    string `json:"location,omitempty" yaml:"location,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`
	Tracks      int    `json:"tracks" yaml:"tracks"`
	Converted   int    `json:"converted" yaml:"converted"`
	Copied      int    `json:"copied" yaml:"copied"`
	LastSync    string `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) {
	format, _ := cmd.Flags().GetString("format")

	dest, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid destination path: %v\n", err)
		os.Exit(1)
	}
	dbPath := state.DBPath(dest)

	// Stat before Open: status must not create the state directory.
	info, err := os.Stat(dbPath)
	if os.IsNotExist(err) {
		if printStructured(format, statusReport{Initialized: false}) {
			return
		}
		fmt.Printf("Sync state not initialized for %s\n", dest)
		fmt.Printf("Run 'musync sync SOURCE %s' to create it\n", dest)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error checking state: %v\n", err)
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

	report := statusReport{
		Initialized: true,
		Location:    dbPath,
		SizeBytes:   info.Size(),
		Tracks:      store.Len(),
	}
	for _, e := range store.Entries() {
		if e.BitrateKbps > 0 {
			report.Converted++
		} else {
			report.Copied++
		}
	}
	if last, ok := store.LastSync(); ok {
		report.LastSync = last.Format(time.RFC3339)
	}

	if printStructured(format, report) {
		return
	}

	fmt.Printf("Location: %s\n", report.Location)
	fmt.Printf("Size: %s\n", humanize.Bytes(uint64(report.SizeBytes)))
	fmt.Printf("Tracks: %d (%d converted, %d copied)\n", report.Tracks, report.Converted, report.Copied)
	if last, ok := store.LastSync(); ok {
		fmt.Printf("Last sync: %s (%s)\n", last.Local().Format("2006-01-02 15:04:05"), humanize.Time(last))
	} else {
		fmt.Printf("Last sync: never\n")
	}
}

// printStructured renders v as JSON or YAML and reports whether it did.
// The text format returns false so the caller prints its own layout.
func printStructured(format string, v any) bool {
	switch format {
	case "text":
		return false
	case "json":
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return true
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding YAML: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(out))
		return true
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown format %q (want text, json, or yaml)\n", format)
		os.Exit(1)
		return false
	}
}
