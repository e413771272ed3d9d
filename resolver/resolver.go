// Package resolver turns a test case's role and interconnect requirements
// into candidate target groups, enumerated lazily from an immutable
// inventory snapshot. The resolver holds no mutable state of its own and
// is safe to share across concurrent resolutions.
package resolver

import (
	"github.com/testfarm/conductor/model/target"
	"github.com/testfarm/conductor/model/testcase"
)

// SharePredicate decides whether two roles of the same test case may
// resolve to the same physical target. The upstream rule for this was
// never fully pinned down, so it is an explicit hook; the default is to
// never share.
type SharePredicate func(roleA, roleB string, t *target.Target) bool

// NeverShare is the default SharePredicate.
func NeverShare(string, string, *target.Target) bool { return false }

// Option configures a Resolver.
type Option func(*Resolver)

// WithSharePredicate overrides the target-sharing rule.
func WithSharePredicate(predicate SharePredicate) Option {
	return func(r *Resolver) { r.share = predicate }
}

// Resolver enumerates candidate groups for test cases.
type Resolver struct {
	share SharePredicate
}

func New(options ...Option) *Resolver {
	r := &Resolver{share: NeverShare}
	for _, option := range options {
		option(r)
	}
	return r
}

// Resolve computes the per-role eligible sets against the snapshot and
// returns a lazy, restartable sequence of candidate groups in the run
// mode the test case declares. An empty sequence is the legitimate
// "no eligible targets" outcome, not an error.
func (r *Resolver) Resolve(tc *testcase.TestCase, snapshot *target.Snapshot) *Sequence {
	roles := make([]*roleOptions, 0, len(tc.Roles))
	for _, role := range tc.Roles {
		eligible := eligibleTargets(role, snapshot)
		roles = append(roles, &roleOptions{
			role:    role,
			options: enumerateOptions(eligible, role.Cardinality(), tc.Mode == testcase.ModePermute),
		})
	}
	return newSequence(tc, roles, snapshot.Generation, r.share)
}

type roleOptions struct {
	role *testcase.Role
	// options are the role's candidate target tuples in inventory order;
	// a tuple has Cardinality() members.
	options [][]*target.Target
}

// eligibleTargets walks the snapshot in inventory order, which keeps
// repeated resolutions of an unchanged snapshot byte-identical.
func eligibleTargets(role *testcase.Role, snapshot *target.Snapshot) []*target.Target {
	var eligible []*target.Target
	for _, t := range snapshot.Targets {
		if role.BSP != "" && !t.HasRole(role.BSP) {
			continue
		}
		if role.IsInterconnect && !isInterconnect(t) {
			continue
		}
		if filter := role.Expr(); filter != nil {
			if !filter.Eval(t.Symbols(role.BSP)) {
				continue
			}
		}
		eligible = append(eligible, t)
	}
	return eligible
}

// isInterconnect reports whether the target itself is a shared medium;
// inventories tag such targets with interconnect: true.
func isInterconnect(t *target.Target) bool {
	value, ok := t.Tags["interconnect"]
	if !ok {
		return false
	}
	return value.Interface() == true
}

// enumerateOptions expands an eligible set into candidate tuples of the
// requested cardinality: lexicographic combinations normally,
// permutations in permute mode. Bounded by the inventory size.
func enumerateOptions(eligible []*target.Target, cardinality int, permute bool) [][]*target.Target {
	if cardinality <= 1 {
		options := make([][]*target.Target, 0, len(eligible))
		for _, t := range eligible {
			options = append(options, []*target.Target{t})
		}
		return options
	}
	if len(eligible) < cardinality {
		return nil
	}
	var options [][]*target.Target
	if permute {
		used := make([]bool, len(eligible))
		tuple := make([]*target.Target, 0, cardinality)
		var recurse func()
		recurse = func() {
			if len(tuple) == cardinality {
				options = append(options, append([]*target.Target(nil), tuple...))
				return
			}
			for i, t := range eligible {
				if used[i] {
					continue
				}
				used[i] = true
				tuple = append(tuple, t)
				recurse()
				tuple = tuple[:len(tuple)-1]
				used[i] = false
			}
		}
		recurse()
		return options
	}
	indices := make([]int, cardinality)
	for i := range indices {
		indices[i] = i
	}
	for {
		tuple := make([]*target.Target, cardinality)
		for i, idx := range indices {
			tuple[i] = eligible[idx]
		}
		options = append(options, tuple)
		// advance lexicographic combination
		i := cardinality - 1
		for i >= 0 && indices[i] == len(eligible)-cardinality+i {
			i--
		}
		if i < 0 {
			return options
		}
		indices[i]++
		for j := i + 1; j < cardinality; j++ {
			indices[j] = indices[j-1] + 1
		}
	}
}
