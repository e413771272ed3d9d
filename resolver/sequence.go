package resolver

import (
	"strings"

	"github.com/testfarm/conductor/model/testcase"
)

// Sequence is a lazy, restartable, finite enumeration of candidate
// groups. The caller pulls groups on demand and stops once enough have
// been acquired; nothing is materialised speculatively. A Sequence is
// not safe for concurrent use; resolve again for a second consumer.
type Sequence struct {
	tc         *testcase.TestCase
	roles      []*roleOptions
	generation uint64
	share      SharePredicate

	indices   []int
	started   bool
	exhausted bool
	yielded   int
	seenTypes map[string]bool
}

func newSequence(tc *testcase.TestCase, roles []*roleOptions, generation uint64, share SharePredicate) *Sequence {
	s := &Sequence{tc: tc, roles: roles, generation: generation, share: share}
	s.Restart()
	return s
}

// Restart rewinds the sequence to its first candidate group; the same
// groups are then produced again in the same order.
func (s *Sequence) Restart() {
	s.indices = make([]int, len(s.roles))
	s.started = false
	s.exhausted = false
	s.yielded = 0
	s.seenTypes = make(map[string]bool)
	for _, role := range s.roles {
		if len(role.options) == 0 {
			// at least one role has no eligible target: empty sequence
			s.exhausted = true
			return
		}
	}
	if len(s.roles) == 0 {
		s.exhausted = true
	}
}

// Next returns the next candidate group; ok is false once the sequence
// is exhausted. Candidate order is fully determined by inventory order,
// so repeated resolutions of an unchanged snapshot are reproducible.
func (s *Sequence) Next() (*Group, bool) {
	if s.exhausted {
		return nil, false
	}
	if s.tc.Mode == testcase.ModeAny && s.yielded > 0 {
		s.exhausted = true
		return nil, false
	}
	for {
		if s.started {
			if !s.advance() {
				s.exhausted = true
				return nil, false
			}
		}
		s.started = true
		group, valid := s.materialise()
		if !valid {
			continue
		}
		if s.tc.Mode == testcase.ModeOnePerType {
			key := s.typeKey(group)
			if s.seenTypes[key] {
				continue
			}
			s.seenTypes[key] = true
		}
		s.yielded++
		return group, true
	}
}

// advance steps the odometer to the next index tuple.
func (s *Sequence) advance() bool {
	for i := len(s.indices) - 1; i >= 0; i-- {
		s.indices[i]++
		if s.indices[i] < len(s.roles[i].options) {
			return true
		}
		s.indices[i] = 0
	}
	return false
}

// materialise checks the tuple at the current indices for role
// consistency: no target reuse across roles (unless the share predicate
// allows it) and interconnect membership for bound roles.
func (s *Sequence) materialise() (*Group, bool) {
	assignments := make([]Assignment, len(s.roles))
	owner := map[string]string{} // fullid -> role that claimed it
	for i, role := range s.roles {
		tuple := role.options[s.indices[i]]
		for _, t := range tuple {
			if claimedBy, claimed := owner[t.FullID()]; claimed {
				if !s.share(claimedBy, role.role.Name, t) {
					return nil, false
				}
				continue
			}
			owner[t.FullID()] = role.role.Name
		}
		assignments[i] = Assignment{Role: role.role.Name, Targets: tuple}
	}
	group := &Group{Generation: s.generation, Assignments: assignments}
	for _, role := range s.roles {
		if role.role.Interconnect == "" {
			continue
		}
		interconnect := group.Target(role.role.Interconnect)
		if interconnect == nil {
			return nil, false
		}
		for _, t := range group.Targets(role.role.Name) {
			if !t.MemberOf(interconnect.ID) {
				return nil, false
			}
		}
	}
	return group, true
}

// typeKey folds a group into its target-type combination; first
// discovered combination wins in one-per-type mode.
func (s *Sequence) typeKey(group *Group) string {
	var b strings.Builder
	for _, assignment := range group.Assignments {
		b.WriteString(assignment.Role)
		b.WriteByte('=')
		for _, t := range assignment.Targets {
			b.WriteString(t.Type())
			b.WriteByte('+')
		}
		b.WriteByte(';')
	}
	return b.String()
}

// Collect drains the remainder of the sequence; test and tooling helper.
func (s *Sequence) Collect() []*Group {
	var groups []*Group
	for {
		group, ok := s.Next()
		if !ok {
			return groups
		}
		groups = append(groups, group)
	}
}
