package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jsarlin/musync/internal/musync"
	"github.com/jsarlin/musync/internal/plan"
	"github.com/jsarlin/musync/internal/runner"
	"github.com/jsarlin/musync/internal/scan"
)

func plainPrinter(buf *bytes.Buffer, opts Options) *Printer {
	opts.NoColor = true
	return NewPrinter(buf, opts)
}

func TestActionLines(t *testing.T) {
	var buf bytes.Buffer
	p := plainPrinter(&buf, Options{})

	p.Action(plan.Action{
		Kind:     plan.Convert,
		Record:   scan.Record{RelPath: "Artist/Album/01.flac"},
		DestName: "01.mp3",
	}, nil)
	p.Action(plan.Action{
		Kind:     plan.Copy,
		Record:   scan.Record{RelPath: "loose.mp3"},
		DestName: "loose.mp3",
	}, nil)
	p.Action(plan.Action{
		Kind:   plan.Relink,
		Record: scan.Record{RelPath: "Moved/01.flac"},
	}, nil)
	p.Action(plan.Action{Kind: plan.Prune, DestName: "stale.mp3"}, nil)

	out := buf.String()
	for _, want := range []string{
		"convert", "Artist/Album/01.flac -> 01.mp3",
		"copy", "loose.mp3 -> loose.mp3",
		"relink", "Moved/01.flac (moved)",
		"prune", "stale.mp3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSkipOnlyWhenVerbose(t *testing.T) {
	skip := plan.Action{
		Kind:   plan.Skip,
		Record: scan.Record{RelPath: "done.flac"},
		Note:   "duplicate of first.flac",
	}

	var quiet bytes.Buffer
	plainPrinter(&quiet, Options{}).Action(skip, nil)
	if quiet.Len() != 0 {
		t.Errorf("skip printed without verbose: %q", quiet.String())
	}

	var verbose bytes.Buffer
	plainPrinter(&verbose, Options{Verbose: true}).Action(skip, nil)
	out := verbose.String()
	if !strings.Contains(out, "done.flac") || !strings.Contains(out, "duplicate of first.flac") {
		t.Errorf("verbose skip line incomplete: %q", out)
	}
}

func TestQuietStillShowsFailures(t *testing.T) {
	var buf bytes.Buffer
	p := plainPrinter(&buf, Options{Quiet: true})

	p.Action(plan.Action{
		Kind:     plan.Convert,
		Record:   scan.Record{RelPath: "ok.flac"},
		DestName: "ok.mp3",
	}, nil)
	if buf.Len() != 0 {
		t.Errorf("quiet mode printed success lines: %q", buf.String())
	}

	p.Action(plan.Action{
		Kind:   plan.Convert,
		Record: scan.Record{RelPath: "bad.flac"},
	}, errors.New("encoder exploded"))
	out := buf.String()
	if !strings.Contains(out, "bad.flac") || !strings.Contains(out, "encoder exploded") {
		t.Errorf("failure line missing in quiet mode: %q", out)
	}
}

func TestSummaryCounts(t *testing.T) {
	var buf bytes.Buffer
	p := plainPrinter(&buf, Options{})

	p.Summary(&musync.Summary{
		Elapsed: 940 * time.Millisecond,
		Counts: runner.Counts{
			Converted:    2,
			Copied:       1,
			Skipped:      3,
			Duplicates:   1,
			Pruned:       1,
			BytesWritten: 2048,
		},
	})

	out := buf.String()
	for _, want := range []string{
		"2 converted", "1 copied", "3 skipped", "+1 duplicates", "1 pruned",
		"940ms", "2.0 kB written",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestSummaryNothingToDo(t *testing.T) {
	var buf bytes.Buffer
	plainPrinter(&buf, Options{}).Summary(&musync.Summary{Elapsed: time.Millisecond})
	if !strings.Contains(buf.String(), "nothing to do") {
		t.Errorf("empty summary = %q", buf.String())
	}
}

func TestSummaryProblems(t *testing.T) {
	var buf bytes.Buffer
	p := plainPrinter(&buf, Options{})

	p.Summary(&musync.Summary{
		Elapsed:      time.Second,
		ScanProblems: []scan.Problem{{Path: "/src/locked", Err: errors.New("permission denied")}},
		PlanFailures: []plan.Failure{{Path: "/src/evil.flac", Err: errors.New("read error")}},
		Errors: []runner.JobError{{
			Action: plan.Action{Kind: plan.Convert, Record: scan.Record{RelPath: "bad.flac"}},
			Err:    errors.New("encode failed"),
		}},
		Counts:  runner.Counts{Failed: 1},
		Aborted: true,
	})

	out := buf.String()
	for _, want := range []string{
		"3 problems:",
		"unreadable /src/locked",
		"unplannable /src/evil.flac",
		"convert bad.flac: encode failed",
		"aborted",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	var buf bytes.Buffer
	if IsTerminal(&buf) {
		t.Error("a bytes.Buffer is not a terminal")
	}
}
