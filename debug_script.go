// debug_script.go - Lua scripting host for monitor automation

package main

import (
	"fmt"
	"io"
	"os"

	lua "github.com/yuin/gopher-lua"
)

// ScriptHost embeds a Lua interpreter with a small `vm` module so monitor
// sessions can be scripted: watchpoint sweeps, state dumps, regression
// checks against a snapshot.
//
// Exposed functions:
//
//	vm.reg(n) -> value            read GPR n of vCPU 0
//	vm.setreg(n, v)               write GPR n
//	vm.pc() -> value              read the PC
//	vm.read(addr, size) -> value  guest memory read
//	vm.write(addr, size, v)       guest memory write
//	vm.step([n])                  single-step n blocks (default 1)
//	vm.brk(addr) / vm.unbrk(addr) breakpoints
//	vm.cache_len() -> n           translation cache entry count
//	vm.gc_minor()                 run a minor collection (registers as roots)
//	vm.print(...)                 write to the monitor console
type ScriptHost struct {
	machine *Machine
}

func NewScriptHost(machine *Machine) *ScriptHost {
	return &ScriptHost{machine: machine}
}

// RunFile executes the Lua script at path with output bound to w.
func (sh *ScriptHost) RunFile(path string, w io.Writer) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return sh.RunSource(string(src), w)
}

// RunSource executes Lua source text with output bound to w.
func (sh *ScriptHost) RunSource(src string, w io.Writer) error {
	L := lua.NewState()
	defer L.Close()
	sh.register(L, w)
	if err := L.DoString(src); err != nil {
		return fmt.Errorf("lua: %w", err)
	}
	return nil
}

func (sh *ScriptHost) register(L *lua.LState, w io.Writer) {
	m := sh.machine
	state := func() *VCPUState { return m.Dispatcher(0).State() }

	mod := L.NewTable()
	L.SetGlobal("vm", mod)

	set := func(name string, fn lua.LGFunction) {
		L.SetField(mod, name, L.NewFunction(fn))
	}

	set("reg", func(L *lua.LState) int {
		n := L.CheckInt(1)
		if n < 0 || n > 31 {
			L.ArgError(1, "register index 0..31")
			return 0
		}
		L.Push(lua.LNumber(state().Regs[n]))
		return 1
	})
	set("setreg", func(L *lua.LState) int {
		n := L.CheckInt(1)
		v := L.CheckNumber(2)
		if n < 0 || n > 31 {
			L.ArgError(1, "register index 0..31")
			return 0
		}
		state().Regs[n] = uint64(v)
		return 0
	})
	set("pc", func(L *lua.LState) int {
		L.Push(lua.LNumber(state().PC))
		return 1
	})
	set("read", func(L *lua.LState) int {
		addr := uint64(L.CheckNumber(1))
		size := L.OptInt(2, 8)
		v, fault := m.MMU().Load(state(), GuestAddr(addr), size, 0)
		if fault != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(fault.Error()))
			return 2
		}
		L.Push(lua.LNumber(v))
		return 1
	})
	set("write", func(L *lua.LState) int {
		addr := uint64(L.CheckNumber(1))
		size := L.CheckInt(2)
		v := uint64(L.CheckNumber(3))
		if fault := m.MMU().Store(state(), GuestAddr(addr), size, v, 0); fault != nil {
			L.Push(lua.LString(fault.Error()))
			return 1
		}
		return 0
	})
	set("step", func(L *lua.LState) int {
		n := L.OptInt(1, 1)
		d := m.Dispatcher(0)
		for i := 0; i < n; i++ {
			if d.Step() != STEP_CONTINUE {
				break
			}
		}
		return 0
	})
	set("brk", func(L *lua.LState) int {
		m.Dispatcher(0).SetBreakpoint(GuestAddr(L.CheckNumber(1)))
		return 0
	})
	set("unbrk", func(L *lua.LState) int {
		m.Dispatcher(0).ClearBreakpoint(GuestAddr(L.CheckNumber(1)))
		return 0
	})
	set("cache_len", func(L *lua.LState) int {
		L.Push(lua.LNumber(m.Cache().Len()))
		return 1
	})
	set("gc_minor", func(L *lua.LState) int {
		var roots []GuestAddr
		for _, r := range state().Regs {
			roots = append(roots, GuestAddr(r))
		}
		swept := m.GC().MinorGC(roots)
		L.Push(lua.LNumber(swept))
		return 1
	})
	set("print", func(L *lua.LState) int {
		top := L.GetTop()
		for i := 1; i <= top; i++ {
			if i > 1 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, L.ToStringMeta(L.Get(i)).String())
		}
		fmt.Fprintln(w)
		return 0
	})
}
