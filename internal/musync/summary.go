package musync

import (
	"fmt"
	"time"

	"github.com/jsarlin/musync/internal/plan"
	"github.com/jsarlin/musync/internal/runner"
	"github.com/jsarlin/musync/internal/scan"
)

// Summary reports one sync run.
type Summary struct {
	Started time.Time
	Elapsed time.Duration

	// Scanned is how many source files the walk produced.
	Scanned int

	// Counts tallies executed actions by outcome.
	Counts runner.Counts

	// Errors lists actions that failed during execution.
	Errors []runner.JobError

	// ScanProblems lists paths the walk could not read.
	ScanProblems []scan.Problem

	// PlanFailures lists files that could not be hashed or named.
	PlanFailures []plan.Failure

	// Aborted is set when the run was cancelled before completing.
	Aborted bool
}

// Unreadable counts files that never made it into the plan.
func (s *Summary) Unreadable() int {
	return len(s.ScanProblems) + len(s.PlanFailures)
}

// TotalFailed counts everything that went wrong: unreadable sources,
// unplannable files, and failed jobs.
func (s *Summary) TotalFailed() int {
	return s.Counts.Failed + s.Unreadable()
}

// OK reports whether the run completed with nothing to complain about.
func (s *Summary) OK() bool {
	return !s.Aborted && s.TotalFailed() == 0
}

// Line renders the per-kind counts as a single log-friendly line.
func (s *Summary) Line() string {
	return fmt.Sprintf(
		"converted=%d copied=%d relinked=%d skipped=%d duplicates=%d pruned=%d failed=%d unreadable=%d",
		s.Counts.Converted, s.Counts.Copied, s.Counts.Relinked,
		s.Counts.Skipped, s.Counts.Duplicates, s.Counts.Pruned,
		s.Counts.Failed, s.Unreadable(),
	)
}
