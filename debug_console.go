// debug_console.go - Interactive machine monitor on a raw-mode terminal

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// MonitorConsole is the operator-facing inspection shell: registers,
// memory, cache and TLB statistics, breakpoints, snapshots, and script
// execution. It attaches to a stopped or running machine.
type MonitorConsole struct {
	machine *Machine
	script  *ScriptHost
}

func NewMonitorConsole(machine *Machine) *MonitorConsole {
	return &MonitorConsole{machine: machine, script: NewScriptHost(machine)}
}

// Run drives the console on the process terminal until "quit" or EOF. The
// terminal goes raw for line editing and is always restored on exit.
func (mc *MonitorConsole) Run() error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("monitor: raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	t := term.NewTerminal(screen, "chimera> ")

	fmt.Fprintln(t, "Chimera Engine monitor. Type 'help' for commands.")
	for {
		line, err := t.ReadLine()
		if err != nil {
			return nil // EOF / ^D
		}
		if quit := mc.Dispatch(t, strings.TrimSpace(line)); quit {
			return nil
		}
	}
}

// Dispatch executes one monitor command against w. Returns true on quit.
// Split from Run so scripts and tests can drive the same command set.
func (mc *MonitorConsole) Dispatch(w io.Writer, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	m := mc.machine

	switch cmd {
	case "help":
		fmt.Fprint(w, `commands:
  regs [n]            dump vCPU n registers
  mem <addr> <len>    hex dump guest memory
  step [n]            single-step vCPU 0
  cont                run vCPU 0 to breakpoint/halt
  break <addr>        set breakpoint
  unbreak <addr>      clear breakpoint
  tlb                 TLB usage and counters
  cache               translation cache counters
  chains              block chainer statistics
  gc                  collector phase and counters
  sched               per-P scheduler statistics
  snap <file>         save machine snapshot
  restore <file>      load machine snapshot
  lua <file>          run a monitor script
  quit                leave the monitor
`)
	case "regs":
		n := 0
		if len(args) > 0 {
			n, _ = strconv.Atoi(args[0])
		}
		d := m.Dispatcher(n)
		if d == nil {
			fmt.Fprintf(w, "no vcpu %d\n", n)
			break
		}
		s := d.State()
		fmt.Fprintf(w, "PC=%016X SP=%016X asid=%d mode=%d halted=%v\n", uint64(s.PC), s.SP, s.ASID, s.Mode, s.Halted)
		for i := 0; i < m.cfg.guestArch().RegisterCount(); i += 4 {
			for j := i; j < i+4 && j < 32; j++ {
				fmt.Fprintf(w, "r%-2d=%016X ", j, s.Regs[j])
			}
			fmt.Fprintln(w)
		}
	case "mem":
		if len(args) < 2 {
			fmt.Fprintln(w, "usage: mem <addr> <len>")
			break
		}
		addr, err1 := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
		n, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil || n <= 0 || n > 4096 {
			fmt.Fprintln(w, "bad arguments")
			break
		}
		s := m.Dispatcher(0).State()
		for i := 0; i < n; i += 16 {
			fmt.Fprintf(w, "%016X: ", addr+uint64(i))
			for j := i; j < i+16 && j < n; j++ {
				v, fault := m.MMU().Load(s, GuestAddr(addr+uint64(j)), 1, 0)
				if fault != nil {
					fmt.Fprint(w, "?? ")
					continue
				}
				fmt.Fprintf(w, "%02X ", byte(v))
			}
			fmt.Fprintln(w)
		}
	case "step":
		n := 1
		if len(args) > 0 {
			n, _ = strconv.Atoi(args[0])
		}
		d := m.Dispatcher(0)
		for i := 0; i < n; i++ {
			res := d.Step()
			if res != STEP_CONTINUE {
				fmt.Fprintf(w, "stopped: %d\n", res)
				break
			}
		}
		fmt.Fprintf(w, "PC=%016X\n", uint64(d.State().PC))
	case "cont":
		d := m.Dispatcher(0)
		for {
			res := d.Step()
			if res == STEP_CONTINUE {
				continue
			}
			fmt.Fprintf(w, "stopped: %d at PC=%016X\n", res, uint64(d.State().PC))
			break
		}
	case "break", "unbreak":
		if len(args) < 1 {
			fmt.Fprintf(w, "usage: %s <addr>\n", cmd)
			break
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
		if err != nil {
			fmt.Fprintln(w, "bad address")
			break
		}
		if cmd == "break" {
			m.Dispatcher(0).SetBreakpoint(GuestAddr(addr))
		} else {
			m.Dispatcher(0).ClearBreakpoint(GuestAddr(addr))
		}
		fmt.Fprintln(w, "ok")
	case "tlb":
		l1, l2, l3 := m.MMU().TLB().Usage()
		st := m.MMU().TLB().Stats()
		fmt.Fprintf(w, "usage L1=%d L2=%d L3=%d\n", l1, l2, l3)
		fmt.Fprintf(w, "hits L1=%d L2=%d L3=%d misses=%d inserts=%d evictions=%d invalidations=%d prefetch=%d\n",
			st.L1Hits.Load(), st.L2Hits.Load(), st.L3Hits.Load(), st.Misses.Load(),
			st.Inserts.Load(), st.Evictions.Load(), st.Invalidations.Load(), st.PrefetchHits.Load())
	case "cache":
		st := m.Cache().Stats()
		fmt.Fprintf(w, "entries=%d lookups=%d hits=%d misses=%d inserts=%d evictions=%d hit-rate=%.2f retired=%d\n",
			m.Cache().Len(), st.Lookups, st.Hits, st.Misses, st.Inserts, st.Evictions, st.HitRate(), m.Cache().RetiredCount())
		for _, e := range m.Cache().HotEntries(8) {
			fmt.Fprintf(w, "  0x%016X %-8s count=%d\n", uint64(e.FP.StartPC), e.Tier, e.AccessCount)
		}
	case "chains":
		st := m.Chainer().Stats()
		fmt.Fprintf(w, "links=%d chains=%d blocks=%d avg-len=%.1f patched=%d failed=%d\n",
			st.TotalLinks, st.TotalChains, st.TotalBlocks, st.AvgChainLength, st.PatchesApplied, st.PatchesFailed)
	case "gc":
		st := m.GC().Stats()
		fmt.Fprintf(w, "phase=%s cycles=%d minor=%d major=%d marked=%d swept=%d promoted=%d\n",
			m.GC().Phase(), st.Cycles, st.MinorCycles, st.MajorCycles, st.ObjectsMarked, st.ObjectsSwept, st.Promotions)
		fmt.Fprintf(w, "pause last=%dus max=%dus avg=%dus total=%dus\n",
			st.Pauses.Last, st.Pauses.Max, st.Pauses.Avg(), st.Pauses.Total)
	case "sched":
		for _, p := range m.Scheduler().Processors() {
			st := p.Stats()
			fmt.Fprintf(w, "P%d state=%d queue=%d exec=%d switches=%d steals=%d util=%.2f\n",
				p.ID, p.State(), p.QueueLen(), st.Executions, st.ContextSwitches, st.Steals, st.Utilization())
		}
		fmt.Fprintf(w, "global=%d imbalance=%.2f\n", m.Scheduler().GlobalQueueLen(), m.Scheduler().LoadImbalance())
	case "snap":
		if len(args) < 1 {
			fmt.Fprintln(w, "usage: snap <file>")
			break
		}
		if err := m.SaveSnapshotFile(args[0]); err != nil {
			fmt.Fprintf(w, "snapshot failed: %v\n", err)
		} else {
			fmt.Fprintln(w, "ok")
		}
	case "restore":
		if len(args) < 1 {
			fmt.Fprintln(w, "usage: restore <file>")
			break
		}
		if err := m.LoadSnapshotFile(args[0]); err != nil {
			fmt.Fprintf(w, "restore failed: %v\n", err)
		} else {
			fmt.Fprintln(w, "ok")
		}
	case "lua":
		if len(args) < 1 {
			fmt.Fprintln(w, "usage: lua <file>")
			break
		}
		if err := mc.script.RunFile(args[0], w); err != nil {
			fmt.Fprintf(w, "script failed: %v\n", err)
		}
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(w, "unknown command %q (try 'help')\n", cmd)
	}
	return false
}
