package target

import (
	"github.com/testfarm/conductor/model/expr"
)

// Target is an addressable physical or virtual resource (board, VM,
// switch) a test can be bound to. Tag values are immutable once the
// target is loaded into an inventory generation.
type Target struct {
	ID     string `yaml:"id" json:"id"`
	Server string `yaml:"server,omitempty" json:"server,omitempty"`

	// Tags holds the target-wide tag set (board, type, memory, ...).
	Tags Tags `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Roles maps a BSP/role name to its nested tag set; a target may
	// expose several roles at once (e.g. multiple BSPs on one board).
	// A target with zero roles is a plain target.
	Roles map[string]Tags `yaml:"roles,omitempty" json:"roles,omitempty"`

	// Interconnects maps the name of each shared medium this target is a
	// member of to the membership tags (addresses etc).
	Interconnects map[string]Tags `yaml:"interconnects,omitempty" json:"interconnects,omitempty"`
}

// FullID returns the server-qualified identity, globally unique across
// all configured servers.
func (t *Target) FullID() string {
	if t.Server == "" {
		return t.ID
	}
	return t.Server + "/" + t.ID
}

// HasRole reports whether the target exposes the named BSP/role.
func (t *Target) HasRole(name string) bool {
	_, ok := t.Roles[name]
	return ok
}

// RoleNames returns the exposed role names; order is unspecified.
func (t *Target) RoleNames() []string {
	names := make([]string, 0, len(t.Roles))
	for name := range t.Roles {
		names = append(names, name)
	}
	return names
}

// MemberOf reports membership in the named interconnect.
func (t *Target) MemberOf(interconnect string) bool {
	_, ok := t.Interconnects[interconnect]
	return ok
}

// Type returns the declared target type tag, falling back to the id so
// that untyped targets each form their own type bucket.
func (t *Target) Type() string {
	if value, ok := t.Tags["type"]; ok {
		return value.Text()
	}
	return t.ID
}

// Symbols builds the expression environment for this target. Role tags,
// when a role is named, overlay the target-wide tags the same way a BSP
// refines its board. The identity pseudo-tags id/fullid and the
// interconnect membership list are always present.
func (t *Target) Symbols(role string) expr.Symbols {
	symbols := make(expr.Symbols, len(t.Tags)+len(t.Interconnects)+4)
	for name, value := range t.Tags {
		symbols[name] = value.Interface()
	}
	if role != "" {
		if tags, ok := t.Roles[role]; ok {
			for name, value := range tags {
				symbols[name] = value.Interface()
			}
			symbols["bsp"] = role
		}
	}
	if len(t.Interconnects) > 0 {
		members := make([]interface{}, 0, len(t.Interconnects))
		for name, tags := range t.Interconnects {
			members = append(members, name)
			for tagName, value := range tags {
				symbols["interconnects."+name+"."+tagName] = value.Interface()
			}
		}
		symbols["interconnects"] = members
	}
	symbols["id"] = t.ID
	symbols["fullid"] = t.FullID()
	return symbols
}
