package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetainReleaseBalance(t *testing.T) {
	rt := New(Options{})
	rt.heap.diagRCEnabled = true

	v := rt.NewList(nil)
	before := rt.heap.globalRC
	rt.Retain(v)
	assert.Equal(t, before+1, rt.heap.globalRC)
	rt.Release(v)
	assert.Equal(t, before, rt.heap.globalRC)
}

func TestReleaseAtZeroFreesChildren(t *testing.T) {
	rt := New(Options{})
	inner := rt.NewAString([]byte("nested"))
	outer := rt.NewList([]Value{inner})
	rt.Retain(inner) // the list's own reference to inner

	innerObj := objFromHandle(inner.AsPointer())
	require.Equal(t, uint32(2), innerObj.RC) // 1 from construction + 1 retained above

	rt.Release(outer) // drops outer to 0, which releases inner once
	assert.Equal(t, uint32(1), innerObj.RC)

	rt.Release(inner)
	assert.Equal(t, uint32(0), innerObj.RC)
}

func TestCheckMemoryDetectsAndBreaksCycle(t *testing.T) {
	rt := New(Options{})

	va := rt.NewList(nil)
	vb := rt.NewList(nil)
	oa := objFromHandle(va.AsPointer())
	ob := objFromHandle(vb.AsPointer())

	oa.Data.(*List).Elems = []Value{vb}
	rt.Retain(vb)
	ob.Data.(*List).Elems = []Value{va}
	rt.Retain(va)

	clean, roots := rt.CheckMemory()
	assert.False(t, clean)
	assert.NotEmpty(t, roots)
}

func TestCheckMemoryCleanWhenAcyclic(t *testing.T) {
	rt := New(Options{})
	a := rt.NewAString([]byte("leaf"))
	rt.NewList([]Value{a})
	clean, roots := rt.CheckMemory()
	assert.True(t, clean)
	assert.Empty(t, roots)
}
