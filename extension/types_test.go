package extension

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/viant/x"
)

type samplePayload struct {
	Command string
}

func TestLookupUnknownType(t *testing.T) {
	types := NewTypes()
	assert.Nil(t, types.Lookup("NoSuchType"))
	assert.Nil(t, types.Lookup("[]NoSuchType"))
	assert.Nil(t, types.Lookup("pkg.NoSuchType"))
}

func TestRegisterCollectsImports(t *testing.T) {
	types := NewTypes()
	xType := x.NewType(reflect.TypeOf(samplePayload{}))
	xType.PkgPath = "github.com/testfarm/conductor/extension"
	types.Register(xType)

	imports := types.Imports()
	if assert.Equal(t, 1, len(imports)) {
		assert.Equal(t, "extension", imports[0].Package)
		assert.True(t, imports.HasPkgPath(imports[0].PkgPath))
		assert.Equal(t, imports[0].PkgPath, imports.PkgPath("extension"))
	}
}
