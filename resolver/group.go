package resolver

import (
	"strings"

	"github.com/testfarm/conductor/model/target"
)

// Assignment binds one role to its concrete target(s); roles with
// cardinality one carry a single-element slice.
type Assignment struct {
	Role    string
	Targets []*target.Target
}

// Group is a concrete role-to-target assignment satisfying a test case's
// requirements. Assignments are kept in role declaration order so that a
// group's identity, and everything hashed from it, is deterministic.
type Group struct {
	// Generation is the inventory generation the group was resolved
	// against; a client compares it with the broker's current generation
	// to detect staleness.
	Generation  uint64
	Assignments []Assignment
}

// Target returns the single target assigned to a role, or nil.
func (g *Group) Target(role string) *target.Target {
	for _, assignment := range g.Assignments {
		if assignment.Role == role {
			if len(assignment.Targets) == 0 {
				return nil
			}
			return assignment.Targets[0]
		}
	}
	return nil
}

// Targets returns all targets assigned to a role.
func (g *Group) Targets(role string) []*target.Target {
	for _, assignment := range g.Assignments {
		if assignment.Role == role {
			return assignment.Targets
		}
	}
	return nil
}

// FullIDs lists every member target's fullid in assignment order; this is
// the group payload of an allocation request.
func (g *Group) FullIDs() []string {
	var ids []string
	for _, assignment := range g.Assignments {
		for _, t := range assignment.Targets {
			ids = append(ids, t.FullID())
		}
	}
	return ids
}

// Servers lists the distinct servers the group spans, in assignment order.
func (g *Group) Servers() []string {
	var servers []string
	seen := map[string]bool{}
	for _, assignment := range g.Assignments {
		for _, t := range assignment.Targets {
			if !seen[t.Server] {
				seen[t.Server] = true
				servers = append(servers, t.Server)
			}
		}
	}
	return servers
}

// Ident returns the canonical textual identity of the group
// (role=fullid[+fullid];...), stable across runs for an unchanged
// inventory; run identifiers are derived from it.
func (g *Group) Ident() string {
	var b strings.Builder
	for i, assignment := range g.Assignments {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(assignment.Role)
		b.WriteByte('=')
		for j, t := range assignment.Targets {
			if j > 0 {
				b.WriteByte('+')
			}
			b.WriteString(t.FullID())
		}
	}
	return b.String()
}
