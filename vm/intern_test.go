package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInternPreservesIdentityUnderThreshold(t *testing.T) {
	rt := New(Options{})
	a := rt.GetOrInternAString([]byte("hello"))
	b := rt.GetOrInternAString([]byte("hello"))
	assert.Equal(t, a.AsPointer(), b.AsPointer())
}

func TestInternSkipsStringsOverThreshold(t *testing.T) {
	rt := New(Options{})
	long := bytes.Repeat([]byte("x"), internThreshold+1)
	a := rt.GetOrInternAString(long)
	b := rt.GetOrInternAString(long)
	assert.NotEqual(t, a.AsPointer(), b.AsPointer())
}

func TestUninternOnlyEvictsMatchingIdentity(t *testing.T) {
	rt := New(Options{})
	a := rt.GetOrInternAString([]byte("evict-me"))
	oa := objFromHandle(a.AsPointer())

	// A second, independently allocated object with the same bytes must
	// never be evicted by the first object's free path.
	standIn := rt.NewAString([]byte("evict-me"))
	rt.interned.entries["evict-me"] = objFromHandle(standIn.AsPointer())

	rt.unintern(oa)
	_, stillThere := rt.interned.entries["evict-me"]
	assert.True(t, stillThere)
}
