package extension

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/viant/x"
)

// Import associates a short package alias with its full path so that
// declaration documents can reference types as pkg.Type.
type Import struct {
	Package string
	PkgPath string
}

// Imports is an ordered alias table.
type Imports []*Import

// HasPkgPath reports whether the path is already registered.
func (i Imports) HasPkgPath(pkgPath string) bool {
	for _, anImport := range i {
		if anImport.PkgPath == pkgPath {
			return true
		}
	}
	return false
}

// PkgPath resolves a package alias to its full path, or "" when unknown.
func (i Imports) PkgPath(pkg string) string {
	for _, anImport := range i {
		if anImport.Package == pkg {
			return anImport.PkgPath
		}
	}
	return ""
}

// Types registers the Go types payload documents may reference (runner
// inputs, tag structures) and resolves textual type references back to
// reflect types.
type Types struct {
	x.Registry
	imports Imports
}

// Register adds a data type to the registry
func (t *Types) Register(dataType *x.Type) {
	if dataType.PkgPath != "" {
		if idx := strings.LastIndex(dataType.PkgPath, "/"); idx > 0 {
			pkgPath := dataType.PkgPath[:idx]
			if !t.imports.HasPkgPath(pkgPath) {
				t.imports = append(t.imports, &Import{Package: dataType.PkgPath[idx+1:], PkgPath: dataType.PkgPath})
			}
		}
	}
	t.Registry.Register(dataType)
}

// Lookup returns a data type from the registry
func (t *Types) Lookup(dataType string, options ...Option) *x.Type {
	temp := &Types{imports: t.imports}
	for _, opt := range options {
		opt(temp)
	}

	typeModifier := ""
	if idx := strings.LastIndex(dataType, "]"); idx != -1 {
		typeModifier = dataType[:idx+1]
		dataType = dataType[idx+1:]
	}

	if idx := strings.LastIndex(dataType, "."); idx != -1 {
		var pkg, typeName string
		pkg = dataType[:idx]
		typeName = dataType[idx+1:]
		if pkgPath := temp.imports.PkgPath(pkg); pkgPath != "" {
			pkg = pkgPath
		}
		dataType = fmt.Sprintf("%s.%s", pkg, typeName)
	}
	ret := t.Registry.Lookup(dataType)
	if ret == nil {
		return nil
	}
	rType := ret.Type

	switch strings.TrimSpace(typeModifier) {
	case "[]":
		rType = reflect.SliceOf(rType)
	case "[][]":
		rType = reflect.SliceOf(reflect.SliceOf(rType))
	case "map[string]":
		rType = reflect.MapOf(reflect.TypeOf(""), rType)
	case "map[string][]":
		rType = reflect.MapOf(reflect.TypeOf(""), reflect.SliceOf(rType))
	}
	if rType != ret.Type {
		return x.NewType(rType)
	}
	return ret
}

// Imports returns import
func (t *Types) Imports() Imports {
	return t.imports
}

// NewTypes creates a new types
func NewTypes(options ...x.RegistryOption) *Types {
	result := &Types{
		Registry: *x.NewRegistry(options...),
	}
	return result
}
