package main

import (
	"github.com/spf13/cobra"

	"github.com/proxmove/proxmove/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "proxmove",
	Short: "Cross-cluster VM migration engine",
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cli.NewCmdGet())
	rootCmd.AddCommand(cli.NewCmdCancel())
}
