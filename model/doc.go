// Package model contains the in-memory representation of targets, test
// case declarations and the filter expression language used by the
// conductor engine.
//
// Target inventories and test cases are typically loaded from YAML
// documents into the structures defined in the `target` and `testcase`
// sub-packages; `expr` implements the boolean filter expressions both of
// them reference.
package model
