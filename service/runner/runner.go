// Package runner executes a test case's payload against the targets of
// an acquired candidate group and reports a verdict. The dispatcher only
// observes the terminal outcome; everything about how the payload runs
// lives behind the Runner interface.
package runner

import (
	"context"

	"github.com/testfarm/conductor/model/testcase"
	"github.com/testfarm/conductor/resolver"
)

// Verdict is the terminal outcome of one payload execution.
type Verdict string

const (
	VerdictPassed  Verdict = "passed"
	VerdictFailed  Verdict = "failed"
	VerdictSkipped Verdict = "skipped"
)

// Result carries the verdict plus the evidence behind it.
type Result struct {
	Verdict Verdict `json:"verdict"`

	// Output is the combined console output of the payload commands.
	Output string `json:"output,omitempty"`

	// Reason explains a non-passed verdict, e.g. the exit status or the
	// diff against the expected output.
	Reason string `json:"reason,omitempty"`
}

// Runner runs one test case against one acquired group. An error return
// means the run could not be carried out at all (infrastructure
// failure); a failed payload is a Result with VerdictFailed, not an
// error.
type Runner interface {
	Name() string
	Run(ctx context.Context, tc *testcase.TestCase, group *resolver.Group) (*Result, error)
}
