package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/testfarm/conductor/model/target"
	"github.com/testfarm/conductor/model/testcase"
)

func testInventory(t *testing.T) *target.Inventory {
	inventory := target.NewInventory()
	targets := []*target.Target{
		{
			ID:   "z1",
			Tags: target.Tags{"bsp": target.String("arm"), "type": target.String("qemu")},
			Interconnects: map[string]target.Tags{
				"nwa": {"ipv4_addr": target.String("192.168.0.1")},
			},
		},
		{
			ID: "z3",
			Tags: target.Tags{
				"bsp":   target.String("arm"),
				"board": target.String("qemu_cortex_m3"),
				"type":  target.String("qemu"),
			},
			Interconnects: map[string]target.Tags{
				"nwa": {"ipv4_addr": target.String("192.168.0.3")},
			},
		},
		{
			ID:   "frdm",
			Tags: target.Tags{"bsp": target.String("arm"), "type": target.String("frdm_k64f")},
		},
		{
			ID:   "nwa",
			Tags: target.Tags{"interconnect": target.Bool(true), "type": target.String("network")},
		},
	}
	for _, aTarget := range targets {
		assert.Nil(t, inventory.Add(aTarget))
	}
	return inventory
}

func compile(t *testing.T, tc *testcase.TestCase) *testcase.TestCase {
	assert.Nil(t, tc.Compile())
	return tc
}

func TestResolveAnyStopsAtFirst(t *testing.T) {
	inventory := testInventory(t)
	tc := compile(t, &testcase.TestCase{
		Path: "tests/net/basic.yaml",
		Mode: testcase.ModeAny,
		Roles: []*testcase.Role{
			{Name: "target", Filter: `bsp == "arm"`},
		},
	})
	sequence := New().Resolve(tc, inventory.Snapshot())
	groups := sequence.Collect()
	if assert.Len(t, groups, 1) {
		assert.Equal(t, "target=z1", groups[0].Ident(), "first eligible in inventory order wins")
	}
}

func TestResolveAllEnumeratesEligible(t *testing.T) {
	inventory := testInventory(t)
	tc := compile(t, &testcase.TestCase{
		Path: "tests/net/basic.yaml",
		Mode: testcase.ModeAll,
		Roles: []*testcase.Role{
			{Name: "target", Filter: `bsp == "arm"`},
		},
	})
	groups := New().Resolve(tc, inventory.Snapshot()).Collect()
	idents := make([]string, 0, len(groups))
	for _, group := range groups {
		idents = append(idents, group.Ident())
	}
	assert.Equal(t, []string{"target=z1", "target=z3", "target=frdm"}, idents)
}

func TestResolveFilterScenario(t *testing.T) {
	inventory := testInventory(t)
	tc := compile(t, &testcase.TestCase{
		Path: "tests/filter.yaml",
		Mode: testcase.ModeAll,
		Roles: []*testcase.Role{
			{Name: "target", Filter: `board in ["qemu_cortex_m3"]`},
		},
	})
	groups := New().Resolve(tc, inventory.Snapshot()).Collect()
	if assert.Len(t, groups, 1) {
		assert.Equal(t, "target=z3", groups[0].Ident())
	}
}

func TestResolveOnePerType(t *testing.T) {
	inventory := testInventory(t)
	tc := compile(t, &testcase.TestCase{
		Path: "tests/types.yaml",
		Mode: testcase.ModeOnePerType,
		Roles: []*testcase.Role{
			{Name: "target", Filter: `bsp == "arm"`},
		},
	})
	groups := New().Resolve(tc, inventory.Snapshot()).Collect()
	idents := make([]string, 0, len(groups))
	for _, group := range groups {
		idents = append(idents, group.Ident())
	}
	// z1 and z3 share type qemu; first discovered wins
	assert.Equal(t, []string{"target=z1", "target=frdm"}, idents)
}

func TestResolveInterconnectBinding(t *testing.T) {
	inventory := testInventory(t)
	tc := compile(t, &testcase.TestCase{
		Path: "tests/net/two_nodes.yaml",
		Mode: testcase.ModeAll,
		Roles: []*testcase.Role{
			{Name: "ic", IsInterconnect: true},
			{Name: "nodes", Filter: `bsp == "arm"`, Count: 2, Interconnect: "ic"},
		},
	})
	groups := New().Resolve(tc, inventory.Snapshot()).Collect()
	// only z1 and z3 are members of nwa; frdm is not, so a single
	// combination survives
	if assert.Len(t, groups, 1) {
		assert.Equal(t, "ic=nwa;nodes=z1+z3", groups[0].Ident())
	}
}

func TestResolveNoOverlapWithoutSharing(t *testing.T) {
	inventory := testInventory(t)
	tc := compile(t, &testcase.TestCase{
		Path: "tests/pair.yaml",
		Mode: testcase.ModeAll,
		Roles: []*testcase.Role{
			{Name: "a", Filter: `type == "qemu"`},
			{Name: "b", Filter: `type == "qemu"`},
		},
	})
	groups := New().Resolve(tc, inventory.Snapshot()).Collect()
	idents := make([]string, 0, len(groups))
	for _, group := range groups {
		idents = append(idents, group.Ident())
	}
	assert.Equal(t, []string{"a=z1;b=z3", "a=z3;b=z1"}, idents)

	shared := New(WithSharePredicate(func(string, string, *target.Target) bool { return true }))
	groups = shared.Resolve(tc, inventory.Snapshot()).Collect()
	assert.Len(t, groups, 4, "sharing permits a==b assignments")
}

func TestResolveDeterminism(t *testing.T) {
	inventory := testInventory(t)
	tc := compile(t, &testcase.TestCase{
		Path: "tests/net/two_nodes.yaml",
		Mode: testcase.ModeAll,
		Roles: []*testcase.Role{
			{Name: "a", Filter: `bsp == "arm"`},
			{Name: "b", Filter: `bsp == "arm"`},
		},
	})
	resolverService := New()
	snapshot := inventory.Snapshot()
	first := resolverService.Resolve(tc, snapshot).Collect()
	second := resolverService.Resolve(tc, snapshot).Collect()
	assert.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Ident(), second[i].Ident())
	}

	// restart replays the same order
	sequence := resolverService.Resolve(tc, snapshot)
	_, _ = sequence.Next()
	sequence.Restart()
	replayed := sequence.Collect()
	assert.Equal(t, len(first), len(replayed))
	for i := range first {
		assert.Equal(t, first[i].Ident(), replayed[i].Ident())
	}
}

func TestResolveEmptyOutcome(t *testing.T) {
	inventory := testInventory(t)
	tc := compile(t, &testcase.TestCase{
		Path: "tests/none.yaml",
		Mode: testcase.ModeAll,
		Roles: []*testcase.Role{
			{Name: "target", Filter: `bsp == "xtensa"`},
		},
	})
	sequence := New().Resolve(tc, inventory.Snapshot())
	_, ok := sequence.Next()
	assert.False(t, ok, "no eligible targets is an empty sequence, not an error")
}

func TestResolvePermuteMode(t *testing.T) {
	inventory := testInventory(t)
	tc := compile(t, &testcase.TestCase{
		Path: "tests/net/pairperm.yaml",
		Mode: testcase.ModePermute,
		Roles: []*testcase.Role{
			{Name: "ic", IsInterconnect: true},
			{Name: "nodes", Filter: `"nwa" in interconnects`, Count: 2, Interconnect: "ic"},
		},
	})
	groups := New().Resolve(tc, inventory.Snapshot()).Collect()
	idents := make([]string, 0, len(groups))
	for _, group := range groups {
		idents = append(idents, group.Ident())
	}
	assert.Equal(t, []string{"ic=nwa;nodes=z1+z3", "ic=nwa;nodes=z3+z1"}, idents)
}

func TestGroupIdentity(t *testing.T) {
	inventory := testInventory(t)
	tc := compile(t, &testcase.TestCase{
		Path: "tests/one.yaml",
		Roles: []*testcase.Role{
			{Name: "target", Filter: `board in ["qemu_cortex_m3"]`},
		},
	})
	groups := New().Resolve(tc, inventory.Snapshot()).Collect()
	if assert.Len(t, groups, 1) {
		group := groups[0]
		assert.Equal(t, []string{"z3"}, group.FullIDs())
		assert.Equal(t, inventory.Generation(), group.Generation)
		assert.NotNil(t, group.Target("target"))
		assert.Nil(t, group.Target("missing"))
	}
}
