package main

import (
	"fmt"
	"text/tabwriter"

	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/vmrunner/internal/runner"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "inspect the host for live hypervisor, mitmproxy, and sibling runner processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := runner.NewDiscovery("")

			procs, err := d.FindFirecrackerProcesses()
			if err != nil {
				return fmt.Errorf("scan firecracker processes: %w", err)
			}
			mitm, err := d.FindMitmproxyProcesses()
			if err != nil {
				return fmt.Errorf("scan mitmproxy processes: %w", err)
			}
			runners, err := d.FindRunnerProcesses()
			if err != nil {
				return fmt.Errorf("scan runner processes: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PID\tVM ID\tBASE DIR\tORPHAN")
			for _, p := range procs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\n", p.Pid, p.VmId, p.BaseDir, p.IsOrphan)
			}
			w.Flush()

			fmt.Printf("\n%d hypervisor process(es), %d mitmproxy helper(s), %d sibling runner(s)\n",
				len(procs), len(mitm), len(runners))

			orphans := 0
			for _, p := range procs {
				if p.IsOrphan {
					orphans++
				}
			}
			if orphans > 0 {
				fmt.Printf("%d orphaned hypervisor process(es) found; run 'vmrunner reap' to clean up\n", orphans)
			}
			return nil
		},
	}
}
