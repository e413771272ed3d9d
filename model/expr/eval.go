package expr

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"

	"github.com/viant/toolbox"
)

// Symbols is the environment an expression is evaluated against: a flat
// mapping from tag/role name to its value. Values are loosely typed
// (string, number, bool, or a container for membership tests).
type Symbols map[string]interface{}

// Expr is an immutable, parsed filter expression. A single parsed
// expression can be evaluated concurrently against many symbol tables.
type Expr interface {
	// Eval is total: it returns a boolean for any symbol table and never
	// fails; an undefined symbol simply evaluates as absent.
	Eval(symbols Symbols) bool

	// Source returns the original expression text.
	Source() string
}

type node interface {
	eval(symbols Symbols) bool
}

// root wraps the parsed tree together with its source text
type root struct {
	text string
	node node
}

func (r *root) Eval(symbols Symbols) bool { return r.node.eval(symbols) }
func (r *root) Source() string            { return r.text }

type orNode struct{ left, right node }

func (n *orNode) eval(s Symbols) bool { return n.left.eval(s) || n.right.eval(s) }

type andNode struct{ left, right node }

func (n *andNode) eval(s Symbols) bool { return n.left.eval(s) && n.right.eval(s) }

type notNode struct{ operand node }

func (n *notNode) eval(s Symbols) bool { return !n.operand.eval(s) }

// existsNode implements the bare-symbol form: true when the symbol is
// present with a non-empty, non-false, non-zero value.
type existsNode struct{ symbol string }

func (n *existsNode) eval(s Symbols) bool {
	value, ok := s[n.symbol]
	if !ok {
		return false
	}
	return truthy(value)
}

type cmpNode struct {
	op     string // "==", "!=", "<", ">", "<=", ">="
	symbol string
	value  interface{}
}

func (n *cmpNode) eval(s Symbols) bool {
	actual := s[n.symbol] // absent resolves to nil, compared as ""/0
	switch n.op {
	case "==":
		return equalValues(actual, n.value)
	case "!=":
		return !equalValues(actual, n.value)
	}
	result, comparable := orderValues(actual, n.value)
	if !comparable {
		return false
	}
	switch n.op {
	case "<":
		return result < 0
	case ">":
		return result > 0
	case "<=":
		return result <= 0
	case ">=":
		return result >= 0
	}
	return false
}

// matchNode implements the ':' operator; the pattern is compiled at parse
// time so an ill-formed regexp surfaces as a ParseError, never at eval.
type matchNode struct {
	symbol  string
	pattern *regexp.Regexp
}

func (n *matchNode) eval(s Symbols) bool {
	value, ok := s[n.symbol]
	if !ok {
		return false
	}
	return n.pattern.MatchString(toolbox.AsString(value))
}

// operand of the "in" operator: either a literal constant or a symbol
// reference resolved at evaluation time.
type operand struct {
	symbol  string
	literal interface{}
	isSym   bool
}

func (o *operand) resolve(s Symbols) interface{} {
	if !o.isSym {
		return o.literal
	}
	return s[o.symbol]
}

// inNode implements membership: "symbol in [a, b]", "symbol in symbol" and
// "constant in symbol". The right side may be a list (element membership),
// a map (key membership) or a string (substring).
type inNode struct {
	left  *operand
	right *operand
	list  []interface{} // non-nil for the literal list form
}

func (n *inNode) eval(s Symbols) bool {
	left := n.left.resolve(s)
	if n.list != nil {
		for _, candidate := range n.list {
			if equalValues(left, candidate) {
				return true
			}
		}
		return false
	}
	return contains(n.right.resolve(s), left)
}

func contains(container, element interface{}) bool {
	if container == nil {
		return false
	}
	switch actual := container.(type) {
	case string:
		if element == nil {
			return false
		}
		return len(actual) > 0 && indexOf(actual, toolbox.AsString(element)) >= 0
	}
	value := reflect.ValueOf(container)
	switch value.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < value.Len(); i++ {
			if equalValues(element, value.Index(i).Interface()) {
				return true
			}
		}
	case reflect.Map:
		for _, key := range value.MapKeys() {
			if equalValues(element, key.Interface()) {
				return true
			}
		}
	}
	return false
}

func indexOf(haystack, needle string) int {
	if needle == "" {
		return 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// truthy reports whether a tag value counts as "set": non-empty string,
// true boolean or non-zero number.
func truthy(value interface{}) bool {
	switch actual := value.(type) {
	case nil:
		return false
	case bool:
		return actual
	case string:
		return actual != ""
	}
	if f, ok := asNumber(value); ok {
		return f != 0
	}
	return true
}

// equalValues compares numerically when both sides are numbers (or
// numeric-looking strings), lexically otherwise. A nil (absent) side
// compares as the empty string.
func equalValues(a, b interface{}) bool {
	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			return fa == fb
		}
	}
	return stringify(a) == stringify(b)
}

// orderValues returns sign(a-b); false when either side resolves to a
// container that has no ordering.
func orderValues(a, b interface{}) (int, bool) {
	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if isContainer(a) || isContainer(b) {
		return 0, false
	}
	left, right := stringify(a), stringify(b)
	switch {
	case left < right:
		return -1, true
	case left > right:
		return 1, true
	}
	return 0, true
}

func isContainer(value interface{}) bool {
	if value == nil {
		return false
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return true
	}
	return false
}

// asNumber coerces numbers and numeric-looking strings; nil is the
// numeric zero so that ordering against an absent symbol behaves as if
// the tag held 0.
func asNumber(value interface{}) (float64, bool) {
	switch actual := value.(type) {
	case nil:
		return 0, true
	case int:
		return float64(actual), true
	case int32:
		return float64(actual), true
	case int64:
		return float64(actual), true
	case uint64:
		return float64(actual), true
	case float32:
		return float64(actual), true
	case float64:
		return actual, true
	case string:
		if actual == "" {
			return 0, false
		}
		if f, err := strconv.ParseFloat(actual, 64); err == nil {
			return f, true
		}
		if i, err := strconv.ParseInt(actual, 0, 64); err == nil {
			return float64(i), true
		}
	}
	return 0, false
}

func stringify(value interface{}) string {
	if value == nil {
		return ""
	}
	switch actual := value.(type) {
	case string:
		return actual
	case fmt.Stringer:
		return actual.String()
	}
	return toolbox.AsString(value)
}
