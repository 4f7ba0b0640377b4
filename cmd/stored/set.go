package main

import (
	"github.com/spf13/cobra"

	"github.com/Aram1d/stored/codec"
)

var setCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Write a value to a key",
	Long: `Write a value to a key, persisting it and notifying every watcher.

VALUE is parsed as JSON when possible; anything that does not parse is
stored as a plain string.

Example:
  stored set theme '"dark"'
  stored set volume 7
  stored set flags '{"beta":true}'
  stored set greeting hello`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

func init() {
	rootCmd.AddCommand(setCmd)
}

func runSet(_ *cobra.Command, args []string) error {
	s, cleanup, err := buildStore()
	if err != nil {
		return err
	}
	defer cleanup()
	defer s.Close()

	return s.Write(args[0], parseValue(args[1]))
}

// parseValue decodes raw as JSON, falling back to the raw string so bare
// words do not need shell-level quoting.
func parseValue(raw string) any {
	v, err := (codec.JSON{}).Decode(raw)
	if err != nil {
		return raw
	}
	return v
}
