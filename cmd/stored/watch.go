package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Aram1d/stored/internal/ui/watch"
)

var watchAll bool

var watchCmd = &cobra.Command{
	Use:   "watch [KEY...]",
	Short: "Follow keys live in a table",
	Long: `Follow keys in a live table that refreshes as values change, whether the
change came from this process or from another one sharing the medium.

With --all every key currently on the medium is tracked, plus any key that
appears while watching.

Example:
  stored watch theme volume
  stored watch --all`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchAll, "all", false,
		"watch every key, including ones that appear later")
}

func runWatch(_ *cobra.Command, args []string) error {
	if len(args) == 0 && !watchAll {
		return fmt.Errorf("pass at least one KEY or --all")
	}

	s, cleanup, err := buildStore()
	if err != nil {
		return err
	}
	defer cleanup()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys := args
	if watchAll {
		keys, err = s.Keys()
		if err != nil {
			return fmt.Errorf("listing keys: %w", err)
		}
	}

	initial := make(map[string]any, len(keys))
	for _, k := range keys {
		initial[k] = s.Read(k)
	}

	model := watch.New(ctx, watch.Config{
		Initial: initial,
		Changes: s.Watch(ctx),
		All:     watchAll,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running program: %w", err)
	}
	return nil
}
