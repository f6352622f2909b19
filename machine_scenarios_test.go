// machine_scenarios_test.go - End-to-end machine scenarios

package main

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rv64Image(words []uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func testMachine(t *testing.T, cfg VMConfig, out *bytes.Buffer) *Machine {
	t.Helper()
	if out == nil {
		out = &bytes.Buffer{}
	}
	m, err := NewMachine(cfg, out)
	require.NoError(t, err)
	return m
}

func rv64Config() VMConfig {
	cfg := DefaultVMConfig("riscv64")
	cfg.LogLevel = "off"
	return cfg
}

// TestMachineRunsGuestToExit boots a small RISC-V program that computes
// 5 + 7 and exits through the syscall surface.
func TestMachineRunsGuestToExit(t *testing.T) {
	image := rv64Image([]uint32{
		EncodeADDI(10, 0, 5),  // a0 = 5
		EncodeADDI(11, 0, 7),  // a1 = 7
		EncodeADD(10, 10, 11), // a0 = 12
		EncodeADDI(17, 0, 93), // a7 = SYS_EXIT
		EncodeECALL(),
	})

	m := testMachine(t, rv64Config(), nil)
	require.NoError(t, m.Load(image, 0x1000))
	require.NoError(t, m.Run())

	state := m.Dispatcher(0).State()
	assert.True(t, state.Halted)
	assert.EqualValues(t, 12, state.Regs[10])
}

// TestMachineGuestConsoleWrite runs a guest that prints through SYS_WRITE.
func TestMachineGuestConsoleWrite(t *testing.T) {
	// The message sits in the image after the code.
	code := []uint32{
		EncodeADDI(10, 0, 1),     // a0 = fd 1
		EncodeLUI(11, 1),         // a1 = 0x1000
		EncodeADDI(11, 11, 0x30), // a1 = &msg (0x1000 + 0x30)
		EncodeADDI(12, 0, 3),     // a2 = 3
		EncodeADDI(17, 0, 64),    // a7 = SYS_WRITE
		EncodeECALL(),
		EncodeADDI(17, 0, 93), // a7 = SYS_EXIT
		EncodeECALL(),
	}
	image := rv64Image(code)
	for len(image) < 0x30 {
		image = append(image, 0)
	}
	image = append(image, 'H', 'i', '\n')

	var out bytes.Buffer
	m := testMachine(t, rv64Config(), &out)
	require.NoError(t, m.Load(image, 0x1000))
	require.NoError(t, m.Run())
	assert.Equal(t, "Hi\n", out.String())
}

// TestMachineLoopTiersUp runs a counted loop hot enough to cross tier
// thresholds and verifies compiled blocks install and get used.
func TestMachineLoopTiersUp(t *testing.T) {
	image := rv64Image([]uint32{
		EncodeADDI(5, 0, 200), // x5 = 200
		EncodeADDI(6, 0, 0),   // x6 = 0
		// loop: x6 += x5 ; x5 -= 1 ; bne x5, x0, loop
		EncodeADD(6, 6, 5),
		EncodeADDI(5, 5, -1),
		EncodeBNE(5, 0, -8),
		EncodeADDI(17, 0, 93),
		EncodeECALL(),
	})

	cfg := rv64Config()
	cfg.ExecMode = "Tiered"
	m := testMachine(t, cfg, nil)
	require.NoError(t, m.Load(image, 0x1000))
	require.NoError(t, m.Run())

	state := m.Dispatcher(0).State()
	assert.EqualValues(t, 20100, state.Regs[6], "sum 1..200")

	// The loop body ran a couple hundred times: the profiler must have
	// promoted it past cold and async compilation must have installed at
	// least one block.
	assert.GreaterOrEqual(t, m.Profiler().TierOf(0x1008), TIER_WARM)
	cstats := m.Compiler().Stats()
	assert.Greater(t, cstats.Submitted, uint64(0), "warm loop never requested compilation")
	dstats := m.Dispatcher(0).Stats()
	if cstats.Completed == 0 || dstats.CompiledRuns == 0 {
		t.Logf("loop finished before compiled reuse (completed=%d runs=%d)", cstats.Completed, dstats.CompiledRuns)
	}
}

// TestMachineInterpreterMatchesTiered: the same guest produces the same
// architectural result under the interpreter-only and tiered pipelines.
func TestMachineInterpreterMatchesTiered(t *testing.T) {
	image := rv64Image([]uint32{
		EncodeADDI(5, 0, 50),
		EncodeADDI(6, 0, 1),
		EncodeMUL(6, 6, 5), // x6 *= x5
		EncodeADDI(5, 5, -1),
		EncodeBNE(5, 0, -8),
		EncodeADDI(17, 0, 93),
		EncodeECALL(),
	})

	run := func(mode string) [32]uint64 {
		cfg := rv64Config()
		cfg.ExecMode = mode
		m := testMachine(t, cfg, nil)
		require.NoError(t, m.Load(image, 0x1000))
		require.NoError(t, m.Run())
		return m.Dispatcher(0).State().Regs
	}

	interp := run("Interpreter")
	tiered := run("Tiered")
	assert.Equal(t, interp, tiered, "tiered execution diverged from the interpreter")
}

// TestMachineSnapshotRoundTrip: serialize, clobber, restore, verify.
func TestMachineSnapshotRoundTrip(t *testing.T) {
	m := testMachine(t, rv64Config(), nil)
	state := m.Dispatcher(0).State()
	state.PC = 0xCAFE000
	state.Regs[7] = 0x1234
	require.NoError(t, m.Bus().Write(0x2000, 8, 0xFEEDFACE))

	data, err := m.SerializeState()
	require.NoError(t, err)

	state.PC = 0
	state.Regs[7] = 0
	require.NoError(t, m.Bus().Write(0x2000, 8, 0))

	require.NoError(t, m.RestoreState(data))
	assert.EqualValues(t, 0xCAFE000, uint64(state.PC))
	assert.EqualValues(t, 0x1234, state.Regs[7])
	v, _ := m.Bus().Read(0x2000, 8)
	assert.EqualValues(t, 0xFEEDFACE, v)
	assert.Equal(t, 0, m.Cache().Len(), "translation cache is not serialized")
}

// TestMachineMMIOConsole: guest stores into the console window reach the
// output writer through the MMIO trap path.
func TestMachineMMIOConsole(t *testing.T) {
	var out bytes.Buffer
	m := testMachine(t, rv64Config(), &out)
	state := m.Dispatcher(0).State()

	for _, b := range []byte("ok") {
		fault := m.MMU().Store(state, GuestAddr(CONSOLE_MMIO_BASE), 1, uint64(b), 0)
		require.Nil(t, fault)
	}
	assert.Equal(t, "ok", out.String())
	assert.EqualValues(t, 2, m.console.BytesWritten())
}

// TestMachineStopFromOutside: an external stop lands within the slice
// protocol.
func TestMachineStopFromOutside(t *testing.T) {
	// An infinite loop guest.
	image := rv64Image([]uint32{EncodeJAL(0, 0)})
	cfg := rv64Config()
	m := testMachine(t, cfg, nil)
	require.NoError(t, m.Load(image, 0x1000))

	errc := make(chan error, 1)
	go func() { errc <- m.Run() }()
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("machine did not stop")
	}
}
