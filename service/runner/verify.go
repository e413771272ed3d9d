package runner

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// VerifyOutput compares the actual console output against the expected
// text declared by a test case. On mismatch it returns an error whose
// message carries a unified diff, so reports show exactly which lines
// diverged instead of two opaque blobs.
func VerifyOutput(name, expected, actual string) error {
	if expected == actual {
		return nil
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: name + ".expected",
		ToFile:   name + ".actual",
		Context:  3,
	})
	if err != nil {
		return fmt.Errorf("output mismatch for %s (diff unavailable: %v)", name, err)
	}
	return fmt.Errorf("output mismatch for %s:\n%s", name, diff)
}
