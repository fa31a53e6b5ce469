package ui

import (
	"fmt"

	"github.com/charmbracelet/huh"
)

// ConfirmPrune asks before a prune pass deletes artifacts. An error
// (including the user bailing out with ctrl-c) should be treated as a
// decline.
func ConfirmPrune(count int) (bool, error) {
	noun := "artifacts"
	if count == 1 {
		noun = "artifact"
	}
	var yes bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Prune %d stale %s?", count, noun)).
		Description("Destination files whose source content is gone will be deleted.").
		Affirmative("Prune").
		Negative("Keep").
		Value(&yes).
		Run()
	if err != nil {
		return false, err
	}
	return yes, nil
}

// ConfirmReset asks before the state database is deleted.
func ConfirmReset(path string) (bool, error) {
	var yes bool
	err := huh.NewConfirm().
		Title("Reset sync state?").
		Description(fmt.Sprintf("Deletes %s. The next run re-fingerprints every source file.", path)).
		Affirmative("Reset").
		Negative("Cancel").
		Value(&yes).
		Run()
	if err != nil {
		return false, err
	}
	return yes, nil
}
