package dispatcher

import (
	"time"

	"github.com/testfarm/conductor/internal/clock"
	"github.com/testfarm/conductor/model/testcase"
	"github.com/testfarm/conductor/resolver"
)

// State is the lifecycle state of a run unit.
type State string

const (
	StatePending   State = "pending"
	StateAcquiring State = "acquiring"
	StateRunning   State = "running"
	StatePassed    State = "passed"
	StateFailed    State = "failed"
	StateBlocked   State = "blocked"
	StateSkipped   State = "skipped"
)

// Terminal reports whether the state ends the unit's lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StatePassed, StateFailed, StateBlocked, StateSkipped:
		return true
	}
	return false
}

// Reason is the machine-readable code attached to non-passed terminal
// states so reports can be aggregated without parsing error text.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNoEligibleTargets Reason = "no-eligible-targets"
	ReasonAcquireTimeout    Reason = "acquire-timeout"
	ReasonExhausted         Reason = "exhausted"
	ReasonStaleSnapshot     Reason = "stale-snapshot"
	ReasonBrokerUnavailable Reason = "broker-unavailable"
	ReasonCancelled         Reason = "cancelled"
	ReasonEvicted           Reason = "evicted"
	ReasonRunError          Reason = "run-error"
	ReasonPayloadFailed     Reason = "payload-failed"
	ReasonNoPayload         Reason = "no-payload"
)

// Unit binds one test case to one resolved candidate group and carries
// the short identifier correlating all its log lines, reports and
// allocation requests.
type Unit struct {
	// ID is the deterministic short identifier derived from the test
	// case path and the group identity.
	ID string `json:"id"`

	Case       *testcase.TestCase `json:"case"`
	GroupIdent string             `json:"groupIdent,omitempty"`

	State    State  `json:"state"`
	Reason   Reason `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	Output   string `json:"output,omitempty"`
	Attempts int    `json:"attempts,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	group *resolver.Group
}

// Group returns the candidate group the unit is bound to; nil when no
// eligible targets existed at submission time.
func (u *Unit) Group() *resolver.Group { return u.group }

// setState transitions the unit, stamping lifecycle timestamps.
func (u *Unit) setState(state State) {
	u.State = state
	now := clock.Now()
	switch {
	case state == StateAcquiring && u.StartedAt == nil:
		u.StartedAt = &now
	case state.Terminal() && u.FinishedAt == nil:
		u.FinishedAt = &now
	}
}

// block marks the unit terminally blocked with a reason code.
func (u *Unit) block(reason Reason, err error) {
	u.Reason = reason
	if err != nil {
		u.Error = err.Error()
	}
	u.setState(StateBlocked)
}
