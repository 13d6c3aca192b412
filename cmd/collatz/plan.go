package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/collatz"
	"github.com/gogpu/collatz/internal/selector"
	"github.com/gogpu/collatz/internal/session"
)

func newPlanCmd(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the memory plan for the selected device without allocating",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			inst, err := collatz.OpenInstance(&cfg, collatz.Logger())
			if err != nil {
				return err
			}
			defer inst.Destroy()
			infos, err := inst.Devices()
			if err != nil {
				return &session.StageError{Stage: session.StageEnumerate, Err: err}
			}
			opts := collatz.SessionOptions(&cfg, collatz.Logger())
			sel, _, err := selector.Select(infos, opts.Selector)
			if err != nil {
				return &session.StageError{Stage: session.StageSelect, Err: err}
			}
			plan, err := session.PlanFor(&sel, cfg.MemoryFraction, cfg.Timestamps)
			if err != nil {
				return &session.StageError{Stage: session.StageLayout, Err: err}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "device: %s (index %d, API %s, score %d)\n",
				sel.Info.Adapter.Name, sel.Info.Index, sel.Info.APIVersion.String(), sel.Score)
			fmt.Fprintf(out, "families: compute %d, transfer %d\n", sel.ComputeFamily, sel.TransferFamily)
			fmt.Fprintf(out, "plan: %s\n", plan.String())
			fmt.Fprintf(out, "slots: %d of %d lanes\n", plan.Inouts(), plan.ValuesPerInout)
			return nil
		},
	}
}
