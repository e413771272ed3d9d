// Package extension provides run-time registries that allow conductor to
// work with user-defined payload runners and Go types (for example custom
// runner inputs or tag structures).
//
// The registries are normally modified through the public APIs under the
// root conductor package, therefore most applications do not need to
// import this package directly.
package extension
