package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/vmrunner/internal/logging"
	"github.com/oriys/vmrunner/internal/runner"
)

func reapCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "SIGKILL orphaned hypervisor processes left behind by a crashed runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := runner.NewDiscovery("")

			procs, err := d.FindFirecrackerProcesses()
			if err != nil {
				return fmt.Errorf("scan firecracker processes: %w", err)
			}

			reaped := 0
			for _, p := range procs {
				if !p.IsOrphan {
					continue
				}
				if dryRun {
					fmt.Printf("would kill orphan pid=%d vm_id=%s base_dir=%s\n", p.Pid, p.VmId, p.BaseDir)
					continue
				}
				if err := syscall.Kill(p.Pid, syscall.SIGKILL); err != nil {
					logging.Op().Warn("failed to kill orphan", "pid", p.Pid, "vm_id", p.VmId, "error", err)
					continue
				}
				fmt.Printf("killed orphan pid=%d vm_id=%s base_dir=%s\n", p.Pid, p.VmId, p.BaseDir)
				if p.BaseDir != "" {
					os.RemoveAll(p.BaseDir)
				}
				reaped++
			}

			if reaped == 0 && !dryRun {
				fmt.Println("no orphaned hypervisor processes found")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list orphans without killing them")
	return cmd
}
