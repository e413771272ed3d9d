package target

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind discriminates the tag value union.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
)

// Value is a loosely-typed tag value: string, number or boolean. Targets
// carry heterogeneous tag sets, so the union keeps the inventory mapping
// uniform without resorting to bare interface{} plumbing.
type Value struct {
	kind    Kind
	str     string
	num     float64
	boolean bool
}

func String(value string) Value  { return Value{kind: KindString, str: value} }
func Number(value float64) Value { return Value{kind: KindNumber, num: value} }
func Bool(value bool) Value      { return Value{kind: KindBool, boolean: value} }

func (v Value) Kind() Kind { return v.kind }

// Text returns the canonical string form of the value.
func (v Value) Text() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.boolean)
	}
	return v.str
}

// Interface unwraps the native Go value for expression evaluation.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.boolean
	}
	return v.str
}

func (v Value) Equal(other Value) bool {
	return v.kind == other.kind && v.Interface() == other.Interface()
}

// UnmarshalYAML infers the union member from the scalar tag so inventory
// documents stay plain YAML.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("tag value must be a scalar, got %v", node.Kind)
	}
	switch node.Tag {
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*v = Bool(b)
	case "!!int", "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		*v = Number(f)
	default:
		*v = String(node.Value)
	}
	return nil
}

func (v Value) MarshalYAML() (interface{}, error) {
	return v.Interface(), nil
}

// Tags maps tag name to value; one level of nesting (role tag sets) is
// handled by Target, not here.
type Tags map[string]Value

// Symbols flattens the tag set into an expression environment.
func (t Tags) Symbols() map[string]interface{} {
	symbols := make(map[string]interface{}, len(t))
	for name, value := range t {
		symbols[name] = value.Interface()
	}
	return symbols
}

// Clone returns an independent copy.
func (t Tags) Clone() Tags {
	clone := make(Tags, len(t))
	for name, value := range t {
		clone[name] = value
	}
	return clone
}
