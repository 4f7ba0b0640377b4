package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aram1d/stored/codec"
)

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the resolved value of a key",
	Long: `Print the resolved value of a key as JSON.

The persisted value wins when it decodes and validates, otherwise the
matching schema default applies, otherwise null.

Example:
  stored get theme
  stored get user:42`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(_ *cobra.Command, args []string) error {
	s, cleanup, err := buildStore()
	if err != nil {
		return err
	}
	defer cleanup()
	defer s.Close()

	out, err := (codec.JSON{}).Encode(s.Read(args[0]))
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	fmt.Println(out)
	return nil
}
