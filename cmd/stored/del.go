package main

import (
	"github.com/spf13/cobra"
)

var delCmd = &cobra.Command{
	Use:   "del KEY",
	Short: "Delete the persisted value of a key",
	Long: `Delete the persisted value of a key.

Processes watching the key fall back to their defaults once the removal
reaches them.

Example:
  stored del theme`,
	Args: cobra.ExactArgs(1),
	RunE: runDel,
}

func init() {
	rootCmd.AddCommand(delCmd)
}

func runDel(_ *cobra.Command, args []string) error {
	s, cleanup, err := buildStore()
	if err != nil {
		return err
	}
	defer cleanup()
	defer s.Close()

	return s.Remove(args[0])
}
