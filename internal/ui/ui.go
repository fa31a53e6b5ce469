// Package ui renders run progress and summaries for the terminal.
// Styling degrades to plain text when the output is not a terminal or
// color is disabled.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/jsarlin/musync/internal/musync"
	"github.com/jsarlin/musync/internal/plan"
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Options configures a Printer.
type Options struct {
	// NoColor forces plain output even on a terminal.
	NoColor bool
	// Quiet suppresses everything except failures and the summary.
	Quiet bool
	// Verbose also prints skipped files.
	Verbose bool
}

// Printer writes one line per settled action plus an end-of-run summary.
type Printer struct {
	out  io.Writer
	opts Options

	tagConvert lipgloss.Style
	tagCopy    lipgloss.Style
	tagRelink  lipgloss.Style
	tagSkip    lipgloss.Style
	tagPrune   lipgloss.Style
	tagFail    lipgloss.Style
	faint      lipgloss.Style
	bold       lipgloss.Style
}

// NewPrinter creates a Printer for w. The color profile is detected
// from w; NoColor forces it down to plain ASCII.
func NewPrinter(w io.Writer, opts Options) *Printer {
	r := lipgloss.NewRenderer(w)
	if opts.NoColor {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{
		out:  w,
		opts: opts,

		tagConvert: r.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		tagCopy:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		tagRelink:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("4")),
		tagSkip:    r.NewStyle().Faint(true),
		tagPrune:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		tagFail:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		faint:      r.NewStyle().Faint(true),
		bold:       r.NewStyle().Bold(true),
	}
}

// Action renders one settled action. It satisfies runner.Progress.
func (p *Printer) Action(a plan.Action, err error) {
	if err != nil {
		fmt.Fprintf(p.out, "%s %s: %v\n", p.tagFail.Render(tag("fail")), label(a), err)
		return
	}
	if p.opts.Quiet {
		return
	}

	switch a.Kind {
	case plan.Skip:
		if !p.opts.Verbose {
			return
		}
		line := label(a)
		if a.Note != "" {
			line += " " + p.faint.Render("("+a.Note+")")
		}
		fmt.Fprintf(p.out, "%s %s\n", p.tagSkip.Render(tag("skip")), line)
	case plan.Copy:
		fmt.Fprintf(p.out, "%s %s -> %s\n", p.tagCopy.Render(tag("copy")), a.Record.RelPath, a.DestName)
	case plan.Convert:
		fmt.Fprintf(p.out, "%s %s -> %s\n", p.tagConvert.Render(tag("convert")), a.Record.RelPath, a.DestName)
	case plan.Relink:
		fmt.Fprintf(p.out, "%s %s %s\n", p.tagRelink.Render(tag("relink")), a.Record.RelPath, p.faint.Render("(moved)"))
	case plan.Prune:
		fmt.Fprintf(p.out, "%s %s\n", p.tagPrune.Render(tag("prune")), a.DestName)
	}
}

// Summary renders the end-of-run report.
func (p *Printer) Summary(s *musync.Summary) {
	var segments []string
	add := func(n int, word string) {
		if n > 0 {
			segments = append(segments, fmt.Sprintf("%d %s", n, word))
		}
	}
	add(s.Counts.Converted, "converted")
	add(s.Counts.Copied, "copied")
	add(s.Counts.Relinked, "relinked")
	if s.Counts.Skipped > 0 {
		seg := fmt.Sprintf("%d skipped", s.Counts.Skipped)
		if s.Counts.Duplicates > 0 {
			seg += fmt.Sprintf(" (+%d duplicates)", s.Counts.Duplicates)
		}
		segments = append(segments, seg)
	} else {
		add(s.Counts.Duplicates, "duplicates")
	}
	add(s.Counts.Pruned, "pruned")

	line := "nothing to do"
	if len(segments) > 0 {
		line = strings.Join(segments, ", ")
	}
	elapsed := s.Elapsed.Round(roundUnit(s.Elapsed))
	fmt.Fprintf(p.out, "%s %s\n", p.bold.Render("Done in "+elapsed.String()+":"), line)

	if s.Counts.BytesWritten > 0 {
		fmt.Fprintf(p.out, "  %s written\n", humanize.Bytes(uint64(s.Counts.BytesWritten)))
	}

	if n := s.TotalFailed(); n > 0 {
		fmt.Fprintf(p.out, "%s\n", p.tagFail.Render(fmt.Sprintf("%d problems:", n)))
		for _, pr := range s.ScanProblems {
			fmt.Fprintf(p.out, "  unreadable %s: %v\n", pr.Path, pr.Err)
		}
		for _, f := range s.PlanFailures {
			fmt.Fprintf(p.out, "  unplannable %s: %v\n", f.Path, f.Err)
		}
		for _, e := range s.Errors {
			fmt.Fprintf(p.out, "  %s %s: %v\n", e.Action.Kind, label(e.Action), e.Err)
		}
	}
	if s.Aborted {
		fmt.Fprintf(p.out, "%s\n", p.tagFail.Render("Run aborted before completion"))
	}
}

func tag(s string) string {
	return fmt.Sprintf("%-7s", s)
}

func label(a plan.Action) string {
	if a.Record.RelPath != "" {
		return a.Record.RelPath
	}
	return a.DestName
}

// roundUnit picks a rounding granularity so short runs keep precision
// and long runs stay readable.
func roundUnit(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Millisecond
	}
	return 100 * time.Millisecond
}
