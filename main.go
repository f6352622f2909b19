// main.go - Main entry point for the Chimera Engine virtual machine

/*
Chimera Engine - full-system cross-architecture virtual machine

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/ChimeraEngine
License: GPLv3 or later
*/

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const chimeraVersion = "0.4.0"

func boilerPlate() {
	fmt.Println("\033[38;2;255;20;147mChimera Engine\033[0m - cross-architecture virtual machine")
	fmt.Println("(c) 2024 - 2026 Zayn Otley")
	fmt.Println("https://github.com/IntuitionAmiga/ChimeraEngine")
	fmt.Println("License: GPLv3 or later")
}

func main() {
	var (
		configPath string
		guestArch  string
		execMode   string
		vcpus      int
		debugPort  int
		monitor    bool
		loadBase   uint64
	)

	root := &cobra.Command{
		Use:           "chimera",
		Short:         "Chimera Engine - cross-architecture VM / dynamic binary translator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Run a flat guest image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			boilerPlate()

			var cfg VMConfig
			var err error
			if configPath != "" {
				cfg, err = LoadVMConfig(configPath)
				if err != nil {
					return err
				}
			} else {
				cfg = DefaultVMConfig(guestArch)
			}
			if guestArch != "" {
				cfg.GuestArch = guestArch
			}
			if execMode != "" {
				cfg.ExecMode = execMode
			}
			if vcpus > 0 {
				cfg.VCPUCount = vcpus
			}
			if debugPort != 0 {
				cfg.DebugPort = debugPort
			}

			m, err := NewMachine(cfg, os.Stdout)
			if err != nil {
				return err
			}
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := m.Load(image, GuestAddr(loadBase)); err != nil {
				return err
			}

			if cfg.DebugPort != 0 {
				probe := NewDebugProbe(m, m.log)
				if err := probe.Listen(cfg.DebugPort); err != nil {
					return err
				}
				defer probe.Close()
			}
			if monitor {
				return NewMonitorConsole(m).Run()
			}
			return m.Run()
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	runCmd.Flags().StringVarP(&guestArch, "arch", "a", "riscv64", "guest architecture (x86_64, aarch64, riscv64)")
	runCmd.Flags().StringVarP(&execMode, "mode", "m", "", "exec mode (Interpreter, Baseline, Optimizing, Tiered)")
	runCmd.Flags().IntVar(&vcpus, "vcpus", 0, "vCPU count")
	runCmd.Flags().IntVar(&debugPort, "debug-port", 0, "remote debug probe port (0 = off)")
	runCmd.Flags().BoolVar(&monitor, "monitor", false, "drop into the interactive monitor instead of running")
	runCmd.Flags().Uint64Var(&loadBase, "base", 0x1000, "guest load address")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chimera %s (host %s)\n", chimeraVersion, HostArch())
		},
	}

	root.AddCommand(runCmd, versionCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
