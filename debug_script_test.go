// debug_script_test.go - Lua monitor scripting tests

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScriptRegisterAccess: Lua reads and writes vCPU registers.
func TestScriptRegisterAccess(t *testing.T) {
	m := testMachine(t, rv64Config(), nil)
	m.Dispatcher(0).State().Regs[5] = 77

	var out bytes.Buffer
	sh := NewScriptHost(m)
	err := sh.RunSource(`
		vm.print("r5=", vm.reg(5))
		vm.setreg(6, vm.reg(5) + 1)
	`, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "77")
	assert.EqualValues(t, 78, m.Dispatcher(0).State().Regs[6])
}

// TestScriptMemoryAndStep: memory access and stepping from a script.
func TestScriptMemoryAndStep(t *testing.T) {
	image := rv64Image([]uint32{
		EncodeADDI(1, 0, 41),
		EncodeADDI(1, 1, 1),
		EncodeADDI(17, 0, 93),
		EncodeECALL(),
	})
	m := testMachine(t, rv64Config(), nil)
	require.NoError(t, m.Load(image, 0x1000))

	var out bytes.Buffer
	sh := NewScriptHost(m)
	err := sh.RunSource(`
		vm.write(0x8000, 8, 123)
		vm.print("mem=", vm.read(0x8000, 8))
		vm.step()
		vm.print("r1=", vm.reg(1))
	`, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "123")
	assert.Contains(t, out.String(), "42", "the first block runs to the syscall boundary")
}

// TestScriptErrorsSurface: Lua errors come back as Go errors.
func TestScriptErrorsSurface(t *testing.T) {
	m := testMachine(t, rv64Config(), nil)
	sh := NewScriptHost(m)
	err := sh.RunSource(`vm.reg(99)`, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "lua"))
}

// TestScriptGCControl: a script can drive a minor collection.
func TestScriptGCControl(t *testing.T) {
	m := testMachine(t, rv64Config(), nil)
	for i := 0; i < 10; i++ {
		_, err := m.GC().Heap().Alloc(16)
		require.NoError(t, err)
	}
	var out bytes.Buffer
	err := NewScriptHost(m).RunSource(`vm.print("swept=", vm.gc_minor())`, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "swept=")
	assert.Equal(t, 0, m.GC().Heap().ObjectCount())
}
