package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gogpu/collatz"
	"github.com/gogpu/collatz/internal/console"
)

func newRunCmd(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Search for records until stopped",
		Long: "Search for records from the saved cursor, or --min with --restart.\n" +
			"Press Enter on a terminal, or send an interrupt, to stop after the\n" +
			"rounds in flight and save progress.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colour := cfg.Colour && out == os.Stdout && console.EnableColour(os.Stdout)
			_, err = collatz.Search(cmd.Context(), cfg,
				collatz.WithOutput(out),
				collatz.WithColour(colour),
				collatz.WithConsole(console.StopInput(os.Stdin)))
			return err
		},
	}
}
