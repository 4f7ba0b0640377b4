package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List every key on the medium",
	Long: `List every key currently persisted, one per line.

Keys are reported without the configured prefix. The memory backend starts
empty, so this is mostly useful with the file and sqlite backends.

Example:
  stored keys`,
	Args: cobra.NoArgs,
	RunE: runKeys,
}

func init() {
	rootCmd.AddCommand(keysCmd)
}

func runKeys(_ *cobra.Command, _ []string) error {
	s, cleanup, err := buildStore()
	if err != nil {
		return err
	}
	defer cleanup()
	defer s.Close()

	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}
