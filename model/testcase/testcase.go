// Package testcase models the target requirements a test case declares:
// named roles, per-role filter expressions, cardinality and interconnect
// bindings. Declarations are plain YAML so they can live next to the test
// sources they describe.
package testcase

import (
	"fmt"

	"github.com/testfarm/conductor/model/expr"
)

// RunMode selects how many candidate groups a resolution produces.
type RunMode string

const (
	// ModeAny stops at the first role-consistent assignment.
	ModeAny RunMode = "any"
	// ModeOnePerType produces one group per distinct target-type combination.
	ModeOnePerType RunMode = "one-per-type"
	// ModeAll produces every maximal non-overlapping assignment.
	ModeAll RunMode = "all"
	// ModePermute is ModeAll including order permutations of equivalent
	// assignments.
	ModePermute RunMode = "permute"
)

func (m RunMode) Valid() bool {
	switch m {
	case ModeAny, ModeOnePerType, ModeAll, ModePermute:
		return true
	}
	return false
}

// Role is one declared target requirement of a test case.
type Role struct {
	// Name identifies the role within the test case ("target",
	// "interconnect", "node1", ...).
	Name string `yaml:"name" json:"name"`

	// Filter restricts eligible targets; empty means any target.
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`

	// BSP, when set, requires the target to expose that BSP/role
	// capability; the role's filter is evaluated with the BSP tag overlay.
	BSP string `yaml:"bsp,omitempty" json:"bsp,omitempty"`

	// Count is the cardinality; zero means exactly one. Counts above one
	// are only meaningful together with an interconnect binding.
	Count int `yaml:"count,omitempty" json:"count,omitempty"`

	// Interconnect names another role of this test case that resolves to
	// an interconnect; every target assigned here must be a member of the
	// interconnect chosen for that role.
	Interconnect string `yaml:"interconnect,omitempty" json:"interconnect,omitempty"`

	// IsInterconnect marks the role as resolving to an interconnect
	// itself (a shared medium other roles bind to).
	IsInterconnect bool `yaml:"is_interconnect,omitempty" json:"isInterconnect,omitempty"`

	compiled expr.Expr
}

// Expr returns the compiled filter; nil until Compile succeeds for a role
// without filter text.
func (r *Role) Expr() expr.Expr { return r.compiled }

// Cardinality normalises Count.
func (r *Role) Cardinality() int {
	if r.Count <= 0 {
		return 1
	}
	return r.Count
}

// TestCase is a discovered test case's declaration: the roles it needs
// resolved plus the payload it runs once a group is acquired.
type TestCase struct {
	// Path is the test case's source path, part of the run identifier.
	Path string `yaml:"path" json:"path"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Mode RunMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	Roles []*Role `yaml:"roles" json:"roles"`

	// Run lists the payload commands executed on each assigned
	// non-interconnect target; empty means the case only exercises
	// resolution and allocation.
	Run []string `yaml:"run,omitempty" json:"run,omitempty"`

	// Expect, when set, is diffed against the payload's combined output.
	Expect string `yaml:"expect,omitempty" json:"expect,omitempty"`

	// Env is extra environment exported to the payload commands.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// TimeoutMs bounds each payload command; zero uses the runner default.
	TimeoutMs int `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

// Ident returns the identity used for run-id hashing and reporting.
func (t *TestCase) Ident() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Path
}

// Compile parses every role filter, validates role references and fills
// defaults. A malformed filter is a configuration-level failure: it
// aborts the batch early rather than surfacing per run unit.
func (t *TestCase) Compile() error {
	if len(t.Roles) == 0 {
		return fmt.Errorf("test case %s declares no roles", t.Ident())
	}
	if t.Mode == "" {
		t.Mode = ModeAny
	}
	if !t.Mode.Valid() {
		return fmt.Errorf("test case %s: unknown run mode %q", t.Ident(), t.Mode)
	}
	byName := map[string]*Role{}
	for _, role := range t.Roles {
		if role.Name == "" {
			return fmt.Errorf("test case %s: role with empty name", t.Ident())
		}
		if _, dup := byName[role.Name]; dup {
			return fmt.Errorf("test case %s: duplicate role %q", t.Ident(), role.Name)
		}
		byName[role.Name] = role
		if role.Filter != "" {
			compiled, err := expr.Parse(role.Filter)
			if err != nil {
				return fmt.Errorf("test case %s, role %q: %w", t.Ident(), role.Name, err)
			}
			role.compiled = compiled
		}
	}
	for _, role := range t.Roles {
		if role.Interconnect == "" {
			continue
		}
		bound, ok := byName[role.Interconnect]
		if !ok {
			return fmt.Errorf("test case %s: role %q binds unknown interconnect role %q",
				t.Ident(), role.Name, role.Interconnect)
		}
		if !bound.IsInterconnect {
			return fmt.Errorf("test case %s: role %q binds role %q which is not an interconnect",
				t.Ident(), role.Name, role.Interconnect)
		}
	}
	return nil
}

// Role returns the named role, or nil.
func (t *TestCase) Role(name string) *Role {
	for _, role := range t.Roles {
		if role.Name == name {
			return role
		}
	}
	return nil
}
