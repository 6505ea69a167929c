package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeModuleInstallBindsGlobals(t *testing.T) {
	rt := New(Options{})
	m := NewNativeModule("mathx")
	m.SetVar("pi", Float64Value(3.5))
	m.Install(rt)

	id, ok := rt.Symbols.Variables.lookup("mathx.pi")
	require.True(t, ok)
	v, ok := rt.globals[id]
	require.True(t, ok)
	assert.Equal(t, 3.5, v.ToF64(rt))
}

func TestCoreModuleLenOverStringAndList(t *testing.T) {
	rt := New(Options{})

	s := rt.NewAString([]byte("hello"))
	r0, _, n := nativeLen(rt, []Value{s})
	require.Equal(t, 1, n)
	assert.EqualValues(t, 5, r0.AsI32())

	list := rt.NewList([]Value{IntValue(1), IntValue(2), IntValue(3)})
	r0, _, n = nativeLen(rt, []Value{list})
	require.Equal(t, 1, n)
	assert.EqualValues(t, 3, r0.AsI32())
}

func TestCoreModuleLenArityMismatchPanics(t *testing.T) {
	rt := New(Options{})
	_, _, n := nativeLen(rt, nil)
	assert.Equal(t, 0, n)
	assert.True(t, rt.panicking)
	assert.Contains(t, rt.panicPayload.Msg, "len expects")
}

func TestCoreModulePrintWritesToStdout(t *testing.T) {
	var buf bytes.Buffer
	rt := New(Options{Stdout: &buf})
	nativePrint(rt, []Value{IntValue(1), rt.NewAString([]byte("x"))})
	assert.Equal(t, "1 x\n", buf.String())
}

func TestCoreModuleTypename(t *testing.T) {
	rt := New(Options{})
	r0, _, n := nativeTypename(rt, []Value{IntValue(4)})
	require.Equal(t, 1, n)
	s, ok := rt.stringContents(r0)
	require.True(t, ok)
	assert.Equal(t, "int", s)
}
