package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vmrunner",
		Short: "vmrunner - runs untrusted agent workloads in short-lived Firecracker microVMs",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (optional, env vars override)")

	rootCmd.AddCommand(
		serveCmd(),
		doctorCmd(),
		reapCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
